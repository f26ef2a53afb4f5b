// Package transport implements the byte-framed, newline-delimited duplex
// channel used to talk to the inference subprocess.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// Limits bound the line-based framing.
const (
	DefaultMaxLineBufferBytes = 64 * 1024
	DefaultWriteBufferBytes   = 1 << 20
)

// Error is returned for any failure establishing, writing to, reading from,
// or closing a Transport.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Transport carries wire.Message values to and from the child process.
// One Transport instance corresponds to one child process lifetime; a
// restarted child gets a brand new Transport (never reused), so consumers
// can use pointer identity to detect a supervisor restart.
type Transport struct {
	log          telemetry.Logger
	maxLine      int
	writer       *bufio.Writer
	writeMu      sync.Mutex
	reader       *bufio.Scanner
	closer       io.Closer
	closeOnce    sync.Once
	closed       chan struct{}
	closeErr     error
}

// Option configures a Transport constructed via New.
type Option func(*config)

type config struct {
	maxLineBufferBytes int
	log                telemetry.Logger
}

// WithMaxLineBufferBytes overrides DefaultMaxLineBufferBytes.
func WithMaxLineBufferBytes(n int) Option {
	return func(c *config) { c.maxLineBufferBytes = n }
}

// WithLogger attaches a structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(c *config) { c.log = log }
}

// New wraps r/w (typically a child process's stdout/stdin) plus a Closer
// that terminates the underlying process pipes. r and w must not be used
// directly by the caller after this point.
func New(r io.Reader, w io.Writer, closer io.Closer, opts ...Option) *Transport {
	cfg := config{maxLineBufferBytes: DefaultMaxLineBufferBytes, log: telemetry.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), cfg.maxLineBufferBytes)

	return &Transport{
		log:     cfg.log,
		maxLine: cfg.maxLineBufferBytes,
		writer:  bufio.NewWriterSize(w, DefaultWriteBufferBytes),
		reader:  scanner,
		closer:  closer,
		closed:  make(chan struct{}),
	}
}

// Send writes one message as a single JSON line. Safe for concurrent use;
// writes are serialized.
func (t *Transport) Send(msg wire.Message) error {
	select {
	case <-t.closed:
		return &Error{Op: "send", Err: errors.New("transport closed")}
	default:
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	if len(raw) > t.maxLine {
		return &Error{Op: "send", Err: fmt.Errorf("line exceeds %d bytes", t.maxLine)}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(raw); err != nil {
		return &Error{Op: "send", Err: err}
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return &Error{Op: "send", Err: err}
	}
	if err := t.writer.Flush(); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Receive streams every parsed message to handler, in arrival order, until
// ctx is cancelled, the underlying reader reaches EOF, or a line fails to
// parse (in which case it returns a *Error and the transport is considered
// terminated - the caller should Close it). It blocks the calling
// goroutine; run it in its own goroutine.
func (t *Transport) Receive(ctx context.Context, handler func(wire.Message)) error {
	type scanResult struct {
		line []byte
		err  error
		more bool
	}
	lines := make(chan scanResult)
	go func() {
		defer close(lines)
		for t.reader.Scan() {
			line := append([]byte(nil), t.reader.Bytes()...)
			select {
			case lines <- scanResult{line: line, more: true}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case lines <- scanResult{err: t.reader.Err()}:
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return &Error{Op: "receive", Err: errors.New("transport closed")}
		case res, ok := <-lines:
			if !ok {
				return nil
			}
			if !res.more {
				if res.err != nil {
					return &Error{Op: "receive", Err: res.err}
				}
				return nil
			}
			var msg wire.Message
			if err := json.Unmarshal(res.line, &msg); err != nil {
				t.log.Warn("transport: unparseable line, terminating", telemetry.F("error", err.Error()))
				return &Error{Op: "receive", Err: fmt.Errorf("unparseable frame: %w", err)}
			}
			handler(msg)
		}
	}
}

// Close flushes the writer and releases the underlying process pipes.
// Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		_ = t.writer.Flush()
		t.writeMu.Unlock()
		if t.closer != nil {
			t.closeErr = t.closer.Close()
		}
	})
	return t.closeErr
}

// Done is closed once Close has been called.
func (t *Transport) Done() <-chan struct{} { return t.closed }
