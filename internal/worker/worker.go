package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/avatarstream/internal/utils" // Using the SafeCommand wrapper
)

var (
	// ErrWorker wraps an error reported by the Python side.
	ErrWorker = errors.New("python worker error")
	// ErrTimeout means the worker did not answer within ReadTimeout and was killed.
	ErrTimeout = errors.New("python worker timed out")
	// ErrClosed is returned for calls on a killed or closed worker.
	ErrClosed = errors.New("python worker closed")
)

// Config describes how to launch the model worker.
type Config struct {
	Python string
	Script string
	Args   []string
	// ReadTimeout bounds a single request; 0 disables it.
	ReadTimeout time.Duration
	Debug       bool
}

// DefaultConfig launches python/avatar_worker.py with python3.
func DefaultConfig() Config {
	return Config{
		Python:      "python3",
		Script:      "python/avatar_worker.py",
		ReadTimeout: 2 * time.Minute,
	}
}

// PythonWorker is one long-lived model process. Requests go to its stdin as
// [len u32][op u8][payload]; responses come back on FD 3 as
// [len u32][status u8][body], keeping stdout free for Python's own prints.
// Calls are serialised; the worker is safe for concurrent use.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg    Config
	mu     sync.Mutex
	broken error
	once   sync.Once
}

// NewPythonWorker starts the worker process. The process is killed when
// ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	args := append([]string{"-u", cfg.Script}, cfg.Args...)
	if cfg.Debug {
		args = append(args, "--debug")
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

type reply struct {
	body []byte
	err  error
}

// call performs one request/response round trip.
func (w *PythonWorker) call(ctx context.Context, op Op, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return nil, w.broken
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(payload)+1))
	header[4] = byte(op)
	if _, err := w.Stdin.Write(header); err != nil {
		return nil, w.fail(fmt.Errorf("write request: %w", err))
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return nil, w.fail(fmt.Errorf("write request: %w", err))
	}

	done := make(chan reply, 1)
	go func() {
		body, err := w.readResponse()
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.cfg.ReadTimeout > 0 {
		t := time.NewTimer(w.cfg.ReadTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-done:
		if r.err != nil && !errors.Is(r.err, ErrWorker) {
			// Framing is lost; the process cannot be reused.
			return nil, w.fail(r.err)
		}
		return r.body, r.err
	case <-timeout:
		w.kill()
		return nil, w.fail(fmt.Errorf("%w after %s (op %d)", ErrTimeout, w.cfg.ReadTimeout, op))
	case <-ctx.Done():
		w.kill()
		return nil, w.fail(ctx.Err())
	}
}

// readResponse reads one framed response from the data pipe.
func (w *PythonWorker) readResponse() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxMessage {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, resp); err != nil {
		return nil, err
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		d := newDecoder(resp[1:])
		msg := d.raw(d.count(1))
		if err := d.finish(); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrWorker, msg)
	default:
		return nil, fmt.Errorf("unknown response status %d", resp[0])
	}
}

// fail marks the worker unusable and returns err.
func (w *PythonWorker) fail(err error) error {
	if w.broken == nil {
		w.broken = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.DataPipe.Close()
}

// Ping checks the worker is alive and its models are loaded.
func (w *PythonWorker) Ping(ctx context.Context) error {
	_, err := w.call(ctx, OpPing, nil)
	return err
}

// Close shuts the worker down and waits for the process to exit.
func (w *PythonWorker) Close() {
	w.once.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil {
			w.Cmd.Wait()
		}
	})
}
