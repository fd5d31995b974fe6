package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// frameResponse writes a length-prefixed response body into the data pipe.
func frameResponse(pipe io.Writer, body []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(body)))
	pipe.Write(body)
}

func okBody(scores ...float32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0) // Status OK
	binary.Write(payload, binary.BigEndian, uint32(len(scores)))
	binary.Write(payload, binary.BigEndian, scores)
	return payload.Bytes()
}

func mockEngine(id int) (*Engine, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	return &Engine{
		ID:       id,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}, stdinMock, dataPipeMock
}

func TestClassify(t *testing.T) {
	e, stdinMock, dataPipeMock := mockEngine(1)
	frameResponse(dataPipeMock, okBody(0.1, 0.05, 0.05, 0.75, 0.05))

	pix := []byte{1, 2, 3, 4, 5, 6, 7, 8} // 2x1 RGBA
	scores, err := e.Classify(context.Background(), pix, 2, 1)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	// Verify Go sent [len][w][h][pix] to the worker
	sent := stdinMock.Bytes()
	if len(sent) != 4+8+len(pix) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+8+len(pix), len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[0:4]); got != uint32(8+len(pix)) {
		t.Errorf("length header = %d", got)
	}
	if w, h := binary.BigEndian.Uint32(sent[4:8]), binary.BigEndian.Uint32(sent[8:12]); w != 2 || h != 1 {
		t.Errorf("dimensions = %dx%d, want 2x1", w, h)
	}
	if !bytes.Equal(sent[12:], pix) {
		t.Errorf("pixels = %X", sent[12:])
	}

	if len(scores) != 5 {
		t.Fatalf("Expected 5 scores, got %d", len(scores))
	}
	if math.Abs(float64(scores[3])-0.75) > 1e-6 {
		t.Errorf("Expected porn score approx 0.75, got %f", scores[3])
	}
}

func TestClassify_Error(t *testing.T) {
	e, _, dataPipeMock := mockEngine(1)

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	frameResponse(dataPipeMock, payload.Bytes())

	_, err := e.Classify(context.Background(), []byte{0, 0, 0, 0}, 1, 1)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "classifier worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "classifier worker error: "+errMsg, err)
	}
}

func TestClassify_WorkerCrashed(t *testing.T) {
	e, _, _ := mockEngine(3) // empty data pipe reads as EOF
	_, err := e.Classify(context.Background(), []byte{0, 0, 0, 0}, 1, 1)
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"Empty", nil},
		{"Missing count", []byte{0, 0, 0}},
		{"Zero scores", []byte{0, 0, 0, 0, 0}},
		{"Huge count", []byte{0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"Truncated scores", append([]byte{0, 0, 0, 0, 2}, 0, 0, 0, 0)},
		{"Unknown status", []byte{7, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeResponse(tt.body); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestPool(t *testing.T) {
	e0, _, pipe0 := mockEngine(0)
	e1, _, pipe1 := mockEngine(1)
	frameResponse(pipe0, okBody(0.9, 0.1))
	frameResponse(pipe1, okBody(0.9, 0.1))

	p := NewPoolFromEngines([]*Engine{e0, e1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if p.Size() != 2 {
		t.Fatalf("Size = %d", p.Size())
	}
	for i := 0; i < 2; i++ {
		scores, err := p.Classify(context.Background(), []byte{0, 0, 0, 0}, 1, 1)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if len(scores) != 2 {
			t.Errorf("request %d: %d scores", i, len(scores))
		}
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	p.Close()
	if _, err := p.Classify(context.Background(), []byte{0, 0, 0, 0}, 1, 1); !errors.Is(err, ErrClosed) {
		// An idle engine may still win the select; its closed mock pipe then
		// yields EOF.
		if err == nil {
			t.Error("expected an error after Close")
		}
	}
}

func TestPool_ContextCancelledWhileBusy(t *testing.T) {
	p := NewPoolFromEngines(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Classify(ctx, nil, 0, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
