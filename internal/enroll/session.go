// Package enroll drives the guided capture of new face samples into the catalogue.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/faceid/internal/store"
	"github.com/andresmejia3/faceid/internal/types"
	"github.com/google/uuid"
)

const (
	// DefaultMaxCaptures is the number of samples taken per enrollment.
	DefaultMaxCaptures = 5
	// DefaultCooldown separates two accepted captures.
	DefaultCooldown = time.Second
)

var (
	ErrEmptyIdentity = errors.New("enroll: identity must not be empty")
	ErrInProgress    = errors.New("enroll: an enrollment is already in progress")
	ErrNotCapturing  = errors.New("enroll: no enrollment in progress")
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Capturing
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state needs a new Start to capture again.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled
}

// Outcome is what happened to one submitted frame.
type Outcome int

const (
	// NotReady means the frame arrived during the cooldown, or before the
	// capture-now trigger in manual mode. Nothing changed.
	NotReady Outcome = iota
	NoFace
	MultipleFaces
	// EncodeFailed means exactly one face was found but it could not be encoded.
	EncodeFailed
	Accepted
)

func (o Outcome) String() string {
	switch o {
	case NotReady:
		return "not ready"
	case NoFace:
		return "no face detected"
	case MultipleFaces:
		return "multiple faces detected"
	case EncodeFailed:
		return "face could not be encoded"
	case Accepted:
		return "accepted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Rejected reports whether the frame was refused and the user should retry.
func (o Outcome) Rejected() bool {
	return o == NoFace || o == MultipleFaces || o == EncodeFailed
}

// Frame is one capture attempt: the raw image, the detected boxes and, when
// exactly one box was found, its encoding.
type Frame struct {
	Image     []byte
	Boxes     []types.Box
	Encodings []types.Encoding
}

// Appender adds a sample to the catalogue and persists it.
type Appender interface {
	Append(ctx context.Context, name string, vec store.Vector) error
}

// Progress is a value copy of the session state for consumers.
type Progress struct {
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
	Captured  int    `json:"captured"`
	Max       int    `json:"max"`
	State     string `json:"state"`
	Manual    bool   `json:"manual"`
}

// Options configures a Session.
type Options struct {
	MaxCaptures int
	Cooldown    time.Duration
	Archive     *Archive // optional raw sample archive
	Logger      *slog.Logger
}

// Session is the enrollment state machine. It is driven by the capture
// worker; Status may be called from any goroutine.
type Session struct {
	mu          sync.Mutex
	catalogue   Appender
	archive     *Archive
	logger      *slog.Logger
	max         int
	cooldown    time.Duration
	id          string
	identity    string
	captured    int
	state       State
	manual      bool
	armed       bool
	lastCapture time.Time
}

// NewSession creates an idle session writing into catalogue.
func NewSession(catalogue Appender, opts Options) *Session {
	if opts.MaxCaptures < 1 {
		opts.MaxCaptures = DefaultMaxCaptures
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		catalogue: catalogue,
		archive:   opts.Archive,
		logger:    opts.Logger,
		max:       opts.MaxCaptures,
		cooldown:  opts.Cooldown,
	}
}

// Start begins capturing samples for identity. In manual mode a capture is
// only taken after Arm.
func (s *Session) Start(identity string, manual bool) error {
	// Names are stored as typed; blank ones are refused.
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Capturing {
		return ErrInProgress
	}

	s.id = uuid.NewString()
	s.identity = identity
	s.captured = 0
	s.state = Capturing
	s.manual = manual
	s.armed = false
	s.lastCapture = time.Time{}
	s.logger.Info("enrollment started", "session", s.id, "identity", identity, "manual", manual)
	return nil
}

// Arm requests a capture on the next suitable frame (manual mode).
func (s *Session) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Capturing {
		return ErrNotCapturing
	}
	s.armed = true
	return nil
}

// Cancel stops the enrollment. Samples captured so far stay in the catalogue.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Capturing {
		return ErrNotCapturing
	}
	s.state = Cancelled
	s.armed = false
	s.logger.Info("enrollment cancelled", "session", s.id, "identity", s.identity, "captured", s.captured)
	return nil
}

// Ready reports whether a frame submitted at now could be captured.
func (s *Session) Ready(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked(now)
}

func (s *Session) readyLocked(now time.Time) bool {
	if s.state != Capturing {
		return false
	}
	if s.manual && !s.armed {
		return false
	}
	if !s.lastCapture.IsZero() && now.Sub(s.lastCapture) < s.cooldown {
		return false
	}
	return true
}

// Submit offers one frame to the session.
func (s *Session) Submit(ctx context.Context, now time.Time, f Frame) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Capturing {
		return NotReady, ErrNotCapturing
	}
	if !s.readyLocked(now) {
		return NotReady, nil
	}

	switch {
	case len(f.Boxes) == 0:
		return NoFace, nil
	case len(f.Boxes) > 1:
		return MultipleFaces, nil
	case len(f.Encodings) != 1 || !f.Encodings[0].OK():
		return EncodeFailed, nil
	}

	if err := s.catalogue.Append(ctx, s.identity, store.Vector(f.Encodings[0].Vec)); err != nil {
		return NotReady, fmt.Errorf("failed to store sample %d for %s: %w", s.captured+1, s.identity, err)
	}

	if s.archive != nil && len(f.Image) > 0 {
		path, err := s.archive.Save(s.identity, now, s.captured, f.Image)
		if err != nil {
			s.logger.Warn("failed to archive sample", "identity", s.identity, "error", err)
		} else {
			s.logger.Debug("sample archived", "path", path)
		}
	}

	s.captured++
	s.armed = false
	s.lastCapture = now
	s.logger.Info("sample captured", "session", s.id, "identity", s.identity, "captured", s.captured, "max", s.max)

	if s.captured >= s.max {
		s.state = Completed
		s.logger.Info("enrollment completed", "session", s.id, "identity", s.identity)
	}
	return Accepted, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a copy of the session progress.
func (s *Session) Status() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{
		SessionID: s.id,
		Identity:  s.identity,
		Captured:  s.captured,
		Max:       s.max,
		State:     s.state.String(),
		Manual:    s.manual,
	}
}
