package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/faceid/internal/types"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// fakeCapability answers every frame with the same boxes and encodings.
type fakeCapability struct {
	boxes     []types.Box
	encodings []types.Encoding
	detectErr error
	failFirst int // when set, only the first failFirst detections return detectErr

	mu      sync.Mutex
	detects int
	seen    [][]byte
}

func (f *fakeCapability) Detect(_ context.Context, jpeg []byte) ([]types.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detects++
	f.seen = append(f.seen, jpeg)
	if f.detectErr != nil && (f.failFirst == 0 || f.detects <= f.failFirst) {
		return nil, f.detectErr
	}
	return f.boxes, nil
}

func (f *fakeCapability) Encode(_ context.Context, _ []byte, boxes []types.Box) ([]types.Encoding, error) {
	out := make([]types.Encoding, len(boxes))
	copy(out, f.encodings)
	return out, nil
}

func (f *fakeCapability) detectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detects
}

// sliceSource replays a fixed list of frames, then reports io.EOF.
type sliceSource struct {
	frames [][]byte
	err    error // returned instead of io.EOF when set
	pos    int
	closed bool
}

func (s *sliceSource) Next(context.Context) ([]byte, error) {
	if s.pos >= len(s.frames) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	s.pos++
	return s.frames[s.pos-1], nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func (s *sliceSource) opener() SourceOpener {
	return func(context.Context) (FrameSource, error) { return s, nil }
}

func frames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}
	}
	return out
}

// cameraSource produces a frame every few milliseconds until its context ends.
type cameraSource struct {
	closed atomic.Bool
}

func (s *cameraSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
		return []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}, nil
	}
}

func (s *cameraSource) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *cameraSource) opener() SourceOpener {
	return func(context.Context) (FrameSource, error) { return s, nil }
}

// unpluggedCamera streams frames until unplug is closed, then fails.
type unpluggedCamera struct {
	unplug chan struct{}
}

func (s *unpluggedCamera) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.unplug:
		return nil, errors.New("device unplugged")
	case <-time.After(2 * time.Millisecond):
		return []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}, nil
	}
}

func (s *unpluggedCamera) Close() error { return nil }

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 64, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// drainEvents collects everything queued in the event mailbox.
func drainEvents(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func ofKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// waitFor reads events until match returns true.
func waitFor(t *testing.T, sub *Subscription, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}
