// Package engine runs the capture loop: it pulls frames from a source, asks the
// face capability for boxes and encodings, and either recognizes faces against
// the catalogue or feeds them to an enrollment session.
//
// A single Worker goroutine owns the loop. Control surfaces talk to it through
// a Controller, which turns calls into Commands, and listen to it through the
// Bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/history"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/types"
)

var (
	// ErrSourceUnavailable is returned when the frame source cannot be opened.
	ErrSourceUnavailable = errors.New("engine: frame source unavailable")
	// ErrNotRunning is returned by commands that need a running worker.
	ErrNotRunning = errors.New("engine: worker is not running")
)

// Capability detects and encodes faces. Encode returns one Encoding per box,
// in order; a face that failed carries Err instead of failing the call.
type Capability interface {
	Detect(ctx context.Context, jpeg []byte) ([]types.Box, error)
	Encode(ctx context.Context, jpeg []byte, boxes []types.Box) ([]types.Encoding, error)
}

// FrameSource yields JPEG frames. Next returns io.EOF at the end of the stream.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// SourceOpener opens a frame source for one worker run.
type SourceOpener func(ctx context.Context) (FrameSource, error)

// Mode selects what the worker does with frames.
type Mode int

const (
	Recognizing Mode = iota
	Enrolling
)

func (m Mode) String() string {
	if m == Enrolling {
		return "enrolling"
	}
	return "recognizing"
}

// EventKind identifies an Event.
type EventKind int

const (
	FrameReady EventKind = iota + 1
	ResultsReady
	EnrollmentProgress
	WorkerStopped
)

func (k EventKind) String() string {
	switch k {
	case FrameReady:
		return "frame"
	case ResultsReady:
		return "results"
	case EnrollmentProgress:
		return "enrollment"
	case WorkerStopped:
		return "stopped"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is published by the worker. Which fields are set depends on Kind.
type Event struct {
	Kind       EventKind        `json:"kind"`
	FrameIndex int              `json:"frame"`
	Time       time.Time        `json:"time"`
	Frame      []byte           `json:"-"`
	Results    []matcher.Result `json:"results,omitempty"`
	Stats      history.Stats    `json:"stats,omitempty"`
	Boxes      []types.Box      `json:"boxes,omitempty"`
	Progress   *enroll.Progress `json:"progress,omitempty"`
	Outcome    string           `json:"outcome,omitempty"`
	Error      string           `json:"error,omitempty"`
}
