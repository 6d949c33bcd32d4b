// Package ipc implements the line-delimited JSON transport between the skein
// orchestrator and its per-session worker processes.
//
// A message is one JSON object terminated by '\n'. Writers serialize and
// append the newline; readers buffer incoming bytes and yield each complete
// line as a parsed Message. A line that does not parse is logged and skipped
// so one bad write never tears down the stream.
package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// MaxLineBytes bounds a single buffered line. A peer that writes more than
// this without a newline has its partial line dropped.
const MaxLineBytes = 16 << 20

const readChunkSize = 32 << 10

// Write encodes m and writes it to w followed by a newline.
func Write(w io.Writer, m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", m.MessageType(), err)
	}
	return nil
}

// Reader splits a byte stream into messages.
type Reader struct {
	src    io.Reader
	logger *slog.Logger
	buf    []byte
	chunk  []byte
	err    error
}

// NewReader returns a Reader over src. Parse failures are reported on logger;
// a nil logger discards them.
func NewReader(src io.Reader, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{
		src:    src,
		logger: logger,
		chunk:  make([]byte, readChunkSize),
	}
}

// Next returns the next well-formed message. It returns io.EOF once the
// source is exhausted; a trailing partial line without a newline is
// discarded.
func (r *Reader) Next() (Message, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := r.buf[:i]
			r.buf = r.buf[i+1:]
			if len(r.buf) == 0 {
				r.buf = nil
			}
			line = bytes.TrimRight(line, "\r")
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			msg, err := Unmarshal(line)
			if err != nil {
				r.logger.Error("skipping malformed ipc line", "error", err, "bytes", len(line))
				continue
			}
			return msg, nil
		}

		if r.err != nil {
			if len(r.buf) > 0 {
				r.logger.Warn("discarding unterminated ipc line", "bytes", len(r.buf))
				r.buf = nil
			}
			return nil, r.err
		}

		if len(r.buf) > MaxLineBytes {
			r.logger.Error("dropping oversized ipc line", "bytes", len(r.buf), "limit", MaxLineBytes)
			r.buf = nil
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
		}
		if err != nil {
			r.err = err
		}
	}
}

// Channel is a bidirectional message transport over a reader/writer pair,
// typically a child's stdout/stdin or the worker's own stdin/stdout.
//
// Inbound messages are read eagerly into an unbounded queue so that the
// end-of-stream signal exposed by Closed fires as soon as the peer goes away,
// even while the consumer is busy handling an earlier message.
type Channel struct {
	reader *Reader
	logger *slog.Logger

	wmu sync.Mutex
	w   io.Writer

	mu      sync.Mutex
	queue   []Message
	readErr error
	notify  chan struct{}

	closed    chan struct{}
	startOnce sync.Once
}

// NewChannel builds a Channel. Call Start to begin reading.
func NewChannel(r io.Reader, w io.Writer, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{
		reader: NewReader(r, logger),
		logger: logger,
		w:      w,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Start launches the read loop. Calling it more than once is a no-op.
func (c *Channel) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

func (c *Channel) readLoop() {
	for {
		msg, err := c.reader.Next()
		c.mu.Lock()
		if err != nil {
			c.readErr = err
			c.mu.Unlock()
			close(c.closed)
			c.wake()
			return
		}
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
		c.wake()
	}
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Send writes one message. It is safe for concurrent use.
func (c *Channel) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return Write(c.w, m)
}

// Recv returns the next inbound message. Once the queue is drained after the
// peer closed, it returns io.EOF (or the underlying read error). Recv is meant
// for a single consumer.
func (c *Channel) Recv(ctx context.Context) (Message, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg, nil
		}
		if c.readErr != nil {
			err := c.readErr
			c.mu.Unlock()
			return nil, err
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.notify:
		}
	}
}

// Closed is closed when the inbound stream ends for any reason.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Err reports why the inbound stream ended. It is nil while the stream is
// open and io.EOF after a clean close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// IsClosedErr reports whether err signals the normal end of a stream.
func IsClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
