package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"skein/pkg/ipc"
)

// DefaultMaxTokens caps a completion when the session does not set one.
const DefaultMaxTokens = 4096

type turn struct {
	user bool
	text string
}

// history is the conversation shared by consecutive tasks of one chat
// session, plus steering text waiting for the next request.
type history struct {
	mu      sync.Mutex
	turns   []turn
	pending []string
}

// begin returns the prior turns and the prompt with pending steering folded in.
func (h *history) begin(prompt string) ([]turn, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) > 0 {
		prompt = strings.Join(h.pending, "\n") + "\n\n" + prompt
		h.pending = nil
	}
	return append([]turn(nil), h.turns...), prompt
}

// commit records a completed exchange. Failed or aborted exchanges are not
// kept so a retry does not see a half answer.
func (h *history) commit(prompt, answer string) {
	h.mu.Lock()
	h.turns = append(h.turns, turn{user: true, text: prompt}, turn{text: answer})
	h.mu.Unlock()
}

func (h *history) steer(text string) bool {
	h.mu.Lock()
	h.pending = append(h.pending, text)
	h.mu.Unlock()
	return true
}

// Len is the number of recorded turns.
func (h *history) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// AnthropicChat streams completions from the Anthropic Messages API.
type AnthropicChat struct {
	client anthropic.Client
	cfg    ipc.ModelConfig
	history
}

// NewAnthropicChat builds a backend using ANTHROPIC_API_KEY from the
// environment unless opts override it.
func NewAnthropicChat(cfg ipc.ModelConfig, opts ...anthropicopt.RequestOption) *AnthropicChat {
	return &AnthropicChat{client: anthropic.NewClient(opts...), cfg: cfg}
}

// Run sends the conversation so far plus req.Prompt and streams the reply.
func (a *AnthropicChat) Run(ctx context.Context, req Request) (Result, error) {
	prior, prompt := a.begin(req.Prompt)

	msgs := make([]anthropic.MessageParam, 0, len(prior)+1)
	for _, t := range prior {
		if t.user {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.text)))
		} else {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.text)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	maxTokens := a.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if a.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(a.cfg.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var out strings.Builder
	for stream.Next() {
		ev := stream.Current()
		delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if td, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
			out.WriteString(td.Text)
			emit(req, ipc.StreamText{SessionID: req.SessionID, TaskID: req.TaskID, Delta: td.Text})
		}
	}
	if err := stream.Err(); err != nil {
		return Result{Output: out.String()}, streamError(ctx, "anthropic", err)
	}
	a.commit(prompt, out.String())
	return Result{Output: out.String()}, nil
}

// Steer folds text into the next request.
func (a *AnthropicChat) Steer(text string) bool { return a.steer(text) }

// OpenAIChat streams completions from the OpenAI Chat Completions API.
type OpenAIChat struct {
	client openai.Client
	cfg    ipc.ModelConfig
	history
}

// NewOpenAIChat builds a backend using OPENAI_API_KEY from the environment
// unless opts override it.
func NewOpenAIChat(cfg ipc.ModelConfig, opts ...openaiopt.RequestOption) *OpenAIChat {
	return &OpenAIChat{client: openai.NewClient(opts...), cfg: cfg}
}

// Run sends the conversation so far plus req.Prompt and streams the reply.
func (o *OpenAIChat) Run(ctx context.Context, req Request) (Result, error) {
	prior, prompt := o.begin(req.Prompt)

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(prior)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, t := range prior {
		if t.user {
			msgs = append(msgs, openai.UserMessage(t.text))
		} else {
			msgs = append(msgs, openai.AssistantMessage(t.text))
		}
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if o.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(o.cfg.MaxTokens)
	}
	if o.cfg.Temperature > 0 {
		params.Temperature = openai.Float(o.cfg.Temperature)
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var out strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			out.WriteString(ch.Delta.Content)
			emit(req, ipc.StreamText{SessionID: req.SessionID, TaskID: req.TaskID, Delta: ch.Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return Result{Output: out.String()}, streamError(ctx, "openai", err)
	}
	o.commit(prompt, out.String())
	return Result{Output: out.String()}, nil
}

// Steer folds text into the next request.
func (o *OpenAIChat) Steer(text string) bool { return o.steer(text) }

func streamError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%s stream aborted: %w", provider, err)
	}
	return fmt.Errorf("%s stream: %w", provider, err)
}
