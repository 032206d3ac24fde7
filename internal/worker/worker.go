package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/faceid/internal/types"
	"github.com/andresmejia3/faceid/internal/utils" // Using the SafeCommand wrapper
)

// Request opcodes understood by python/worker.py
const (
	opDetect byte = 1
	opEncode byte = 2
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse guards against a corrupted length header allocating gigabytes.
const maxResponse = 64 * 1024 * 1024

// ErrTimeout is returned when the worker does not answer within the configured timeout.
var ErrTimeout = errors.New("python worker timed out")

// Options controls how the Python process is launched.
type Options struct {
	Python  string        // interpreter, default python3
	Script  string        // default python/worker.py
	Timeout time.Duration // per request, 0 disables
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	broken error
}

func NewPythonWorker(id int, opts Options) (*PythonWorker, error) {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Script == "" {
		opts.Script = "python/worker.py"
	}

	py := utils.NewSafeCommand(opts.Python, "-u", opts.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
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
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  opts.Timeout,
	}, nil
}

// Detect returns the face boxes found in a JPEG frame.
func (w *PythonWorker) Detect(ctx context.Context, jpeg []byte) ([]types.Box, error) {
	body, err := w.roundTrip(ctx, opDetect, jpeg)
	if err != nil {
		return nil, err
	}
	return decodeBoxes(body)
}

// Encode returns one encoding per box, in the same order. A face the worker
// could not encode comes back with Err set instead of failing the whole call.
func (w *PythonWorker) Encode(ctx context.Context, jpeg []byte, boxes []types.Box) ([]types.Encoding, error) {
	if len(boxes) == 0 {
		return nil, nil
	}

	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(len(boxes)))
	for _, b := range boxes {
		binary.Write(payload, binary.BigEndian, [4]int32{int32(b[0]), int32(b[1]), int32(b[2]), int32(b[3])})
	}
	payload.Write(jpeg)

	body, err := w.roundTrip(ctx, opEncode, payload.Bytes())
	if err != nil {
		return nil, err
	}
	encs, err := decodeEncodings(body)
	if err != nil {
		return nil, err
	}
	if len(encs) != len(boxes) {
		return nil, fmt.Errorf("python worker returned %d encodings for %d boxes", len(encs), len(boxes))
	}
	return encs, nil
}

// roundTrip sends one request and returns the response body after the status byte.
func (w *PythonWorker) roundTrip(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// After a timeout or a pipe failure the stream is out of sync for good.
	if w.broken != nil {
		return nil, w.broken
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.communicate(op, payload)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.Timeout > 0 {
		t := time.NewTimer(w.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var r reply
	select {
	case r = <-done:
	case <-timeout:
		w.broken = fmt.Errorf("worker %d: %w: %w after %s", w.ID, types.ErrCapabilityLost, ErrTimeout, w.Timeout)
		return nil, w.broken
	case <-ctx.Done():
		w.broken = fmt.Errorf("worker %d: %w: request abandoned: %w", w.ID, types.ErrCapabilityLost, ctx.Err())
		return nil, w.broken
	}
	if r.err != nil {
		w.broken = fmt.Errorf("worker %d: %w: %w", w.ID, types.ErrCapabilityLost, r.err)
		return nil, w.broken
	}

	if len(r.body) == 0 {
		return nil, fmt.Errorf("python worker sent an empty response")
	}
	switch r.body[0] {
	case statusOK:
		return r.body[1:], nil
	case statusError:
		rd := bytes.NewReader(r.body[1:])
		var msgLen uint32
		if err := binary.Read(rd, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("python worker error: malformed message: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("python worker error: malformed message: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("python worker sent unknown status %d", r.body[0])
	}
}

func (w *PythonWorker) communicate(op byte, payload []byte) ([]byte, error) {
	// Protocol: [Length][Op][Payload]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("python worker response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func decodeBoxes(body []byte) ([]types.Box, error) {
	rd := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed detect response: %w", err)
	}
	if int(n) > rd.Len()/16 {
		return nil, fmt.Errorf("malformed detect response: %d boxes in %d bytes", n, rd.Len())
	}
	boxes := make([]types.Box, n)
	for i := range boxes {
		var raw [4]int32
		if err := binary.Read(rd, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("malformed detect response: %w", err)
		}
		boxes[i] = types.Box{int(raw[0]), int(raw[1]), int(raw[2]), int(raw[3])}
	}
	return boxes, nil
}

func decodeEncodings(body []byte) ([]types.Encoding, error) {
	rd := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed encode response: %w", err)
	}
	if int(n) > rd.Len() {
		return nil, fmt.Errorf("malformed encode response: %d faces in %d bytes", n, rd.Len())
	}
	encs := make([]types.Encoding, n)
	for i := range encs {
		ok, err := rd.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("malformed encode response: %w", err)
		}
		if ok == 0 {
			encs[i] = types.Encoding{Err: types.ErrFaceSkipped}
			continue
		}
		var dim uint32
		if err := binary.Read(rd, binary.BigEndian, &dim); err != nil {
			return nil, fmt.Errorf("malformed encode response: %w", err)
		}
		if int(dim) > rd.Len()/4 {
			return nil, fmt.Errorf("malformed encode response: dimension %d exceeds payload", dim)
		}
		raw := make([]float32, dim)
		if err := binary.Read(rd, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("malformed encode response: %w", err)
		}
		vec := make([]float64, dim)
		for j, f := range raw {
			if math.IsNaN(float64(f)) {
				return nil, fmt.Errorf("malformed encode response: NaN in encoding %d", i)
			}
			vec[j] = float64(f)
		}
		encs[i] = types.Encoding{Vec: vec}
	}
	return encs, nil
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	w.mu.Lock()
	hung := w.broken != nil
	w.mu.Unlock()
	if hung && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	return w.Cmd.Wait()
}
