package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/andresmejia3/veil/internal/utils" // Using the SafeCommand wrapper
)

// DefaultCommand launches the bundled classifier script.
var DefaultCommand = []string{"python3", "-u", "python/classifier.py"}

// maxScores bounds the response so a corrupt header cannot allocate gigabytes.
const maxScores = 64

const (
	statusOK    byte = 0
	statusError byte = 1
)

// ErrClosed is returned by a pool or engine after Close.
var ErrClosed = errors.New("classifier worker closed")

// Engine is one classifier subprocess. Requests are serialised; use a Pool
// for parallelism.
type Engine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

// NewEngine starts the classifier process described by argv.
func NewEngine(id int, argv []string) (*Engine, error) {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) so stdout noise never corrupts the protocol
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
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
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Engine{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
// Protocol in both directions: [Length uint32 BE][Body].
func (e *Engine) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err // a crashed interpreter surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(e.DataPipe, respBody)
	return respBody, err
}

// EncodeRequest builds the request body: [Width u32][Height u32][Pixels].
func EncodeRequest(pix []byte, width, height int) []byte {
	buf := make([]byte, 8+len(pix))
	binary.BigEndian.PutUint32(buf[0:4], uint32(width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(height))
	copy(buf[8:], pix)
	return buf
}

// DecodeResponse parses a response body.
// OK:    [Status:0][N u32][N x float32]
// Error: [Status:1][MsgLen u32][Msg]
func DecodeResponse(body []byte) ([]float32, error) {
	reader := bytes.NewReader(body)

	status, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response: %w", err)
	}

	var n uint32
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("truncated response header: %w", err)
	}

	if status == statusError {
		msg := make([]byte, n)
		if _, err := io.ReadFull(reader, msg); err != nil {
			return nil, fmt.Errorf("truncated error message: %w", err)
		}
		return nil, fmt.Errorf("classifier worker error: %s", string(msg))
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown response status %d", status)
	}
	if n == 0 || n > maxScores {
		return nil, fmt.Errorf("implausible score count %d", n)
	}

	scores := make([]float32, n)
	if err := binary.Read(reader, binary.BigEndian, scores); err != nil {
		return nil, fmt.Errorf("truncated scores: %w", err)
	}
	return scores, nil
}

// Classify runs one frame through the subprocess.
func (e *Engine) Classify(ctx context.Context, pix []byte, width, height int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.Communicate(EncodeRequest(pix, width, height))
	if err != nil {
		return nil, fmt.Errorf("engine %d: %w", e.ID, err)
	}
	return DecodeResponse(resp)
}

// Logs returns whatever the subprocess wrote to stderr.
func (e *Engine) Logs() string {
	if e.Cmd == nil || e.Cmd.Stderr == nil {
		return ""
	}
	return e.Cmd.Stderr.String()
}

func (e *Engine) Close() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return nil
	}
	// Closing stdin is the shutdown signal; a non-zero exit after that is expected.
	e.Cmd.Wait()
	return nil
}

// Pool hands each request to an idle engine.
type Pool struct {
	engines []*Engine
	idle    chan *Engine
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewPool starts n engines. If any fails to start, the ones already running
// are shut down.
func NewPool(n int, argv []string, logger *slog.Logger) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	engines := make([]*Engine, 0, n)
	for i := 0; i < n; i++ {
		e, err := NewEngine(i, argv)
		if err != nil {
			for _, started := range engines {
				started.Close()
			}
			return nil, err
		}
		engines = append(engines, e)
	}
	return NewPoolFromEngines(engines, logger), nil
}

// NewPoolFromEngines wraps engines that are already running.
func NewPoolFromEngines(engines []*Engine, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		engines: engines,
		idle:    make(chan *Engine, len(engines)),
		logger:  logger,
		done:    make(chan struct{}),
	}
	for _, e := range engines {
		p.idle <- e
	}
	logger.Info("worker: classifier pool ready", "engines", len(engines))
	return p
}

// Classify blocks until an engine is free, the context ends, or the pool closes.
func (p *Pool) Classify(ctx context.Context, pix []byte, width, height int) ([]float32, error) {
	var e *Engine
	select {
	case e = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
	defer func() { p.idle <- e }()

	scores, err := e.Classify(ctx, pix, width, height)
	if err != nil {
		if logs := e.Logs(); logs != "" {
			p.logger.Debug("worker: engine stderr", "engine", e.ID, "logs", logs)
		}
	}
	return scores, err
}

// Size is the number of engines.
func (p *Pool) Size() int {
	return len(p.engines)
}

// Close stops every engine. Safe to call more than once.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		for _, e := range p.engines {
			e.Close()
		}
		p.logger.Info("worker: classifier pool closed", "engines", len(p.engines))
	})
	return nil
}
