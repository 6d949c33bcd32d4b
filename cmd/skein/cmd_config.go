package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"skein/pkg/config"
)

// newConfigCmd creates the "skein config" subcommand group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise config.toml",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd(), newConfigPathsCmd())
	return cmd
}

// newConfigInitCmd creates "skein config init".
func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file populated with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			path := e.paths.ConfigPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			data, err := config.Encode(config.Config{}.WithDefaults())
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// newConfigShowCmd creates "skein config show".
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file plus defaults)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			data, err := config.Encode(e.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// newConfigPathsCmd creates "skein config paths".
func newConfigPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the resolved state paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			p := e.paths
			w := cmd.OutOrStdout()
			rows := [][]string{
				{"home", p.Home},
				{"config", p.ConfigPath},
				{"personas", p.PersonasPath},
				{"database", p.DBPath},
				{"pid", p.PIDPath},
				{"lock", p.LockPath},
				{"logs", p.LogDir},
				{"workspaces", p.WorkspaceDir},
			}
			fmt.Fprintln(w, renderTable(w, []string{"Name", "Path"}, rows, nil))
			return nil
		},
	}
}
