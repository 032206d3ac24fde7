package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/frame"
	"github.com/andresmejia3/faceid/internal/history"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/store"
	"github.com/andresmejia3/faceid/internal/types"
	"github.com/google/uuid"
)

// DefaultEvery runs recognition on every second frame.
const DefaultEvery = 2

// Options tunes the worker loop.
type Options struct {
	// Every processes one frame out of Every in recognition mode.
	Every int
	// Scale shrinks frames by this factor before recognition. 1 disables it.
	Scale  int
	Logger *slog.Logger
	// Clock stamps results and drives the enrollment cooldown. Defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Every < 1 {
		o.Every = DefaultEvery
	}
	if o.Scale < 1 {
		o.Scale = frame.DefaultScale
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Deps are the shared objects a worker reads and writes.
type Deps struct {
	Open       SourceOpener
	Capability Capability
	Store      *store.Store
	Threshold  *matcher.Threshold
	History    *history.History
	Session    *enroll.Session
	Bus        *Bus
}

func (d Deps) withDefaults(logger *slog.Logger) Deps {
	if d.Store == nil {
		d.Store = store.New(nil)
	}
	if d.Bus == nil {
		d.Bus = NewBus()
	}
	if d.Threshold == nil {
		d.Threshold = matcher.NewThreshold()
	}
	if d.History == nil {
		d.History = history.New(history.DefaultCapacity)
	}
	if d.Session == nil {
		d.Session = enroll.NewSession(d.Store, enroll.Options{Logger: logger})
	}
	return d
}

// Worker is the single-threaded capture loop. Only the goroutine running Run
// touches its fields.
type Worker struct {
	Deps
	opts     Options
	logger   *slog.Logger
	commands <-chan Command

	mode    Mode
	stopped bool
	frames  int
}

// NewWorker creates a worker reading commands from commands. The worker starts
// in recognition mode.
func NewWorker(deps Deps, commands <-chan Command, opts Options) *Worker {
	opts = opts.withDefaults()
	deps = deps.withDefaults(opts.Logger)
	return &Worker{
		Deps:     deps,
		opts:     opts,
		logger:   opts.Logger.With("run", uuid.NewString()),
		commands: commands,
	}
}

// Mode returns the current mode. Call it only from the goroutine running Run
// or after Run returned.
func (w *Worker) Mode() Mode { return w.mode }

// Run drives the loop until ctx is done, a Stop command arrives, the source is
// exhausted or something fails. The source is always closed on return.
func (w *Worker) Run(ctx context.Context) (err error) {
	src, err := w.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	w.logger.Info("worker started", "mode", w.mode)

	defer func() {
		if cerr := src.Close(); cerr != nil {
			w.logger.Warn("failed to close frame source", "error", cerr)
		}
		// No frame will ever reach a session still capturing; release it so
		// the next run can start a new one.
		if w.Session.State() == enroll.Capturing {
			if cerr := w.Session.Cancel(); cerr == nil {
				w.progress("", err)
			}
		}
		ev := Event{Kind: WorkerStopped, FrameIndex: w.frames, Time: w.opts.Clock()}
		if err != nil {
			ev.Error = err.Error()
		}
		w.Bus.SendEvent(ev)
		w.logger.Info("worker stopped", "frames", w.frames, "error", err)
	}()

	for {
		if ctx.Err() != nil || w.stopped {
			return nil
		}
		w.drain()
		if w.stopped {
			return nil
		}

		data, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("frame source failed: %w", err)
		}

		w.frames++
		if err := w.process(ctx, w.frames, data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.Bus.SendEvent(Event{Kind: FrameReady, FrameIndex: w.frames, Time: w.opts.Clock(), Frame: data})
	}
}

// drain applies every pending command without blocking.
func (w *Worker) drain() {
	for {
		select {
		case cmd, ok := <-w.commands:
			if !ok {
				w.stopped = true
				return
			}
			w.apply(cmd)
		default:
			return
		}
	}
}

func (w *Worker) apply(cmd Command) {
	var err error
	switch cmd.Kind {
	case StartEnrollment:
		if err = w.Session.Start(cmd.Identity, cmd.Manual); err == nil {
			w.mode = Enrolling
			w.progress("", nil)
		}
	case CancelEnrollment:
		if err = w.Session.Cancel(); err == nil {
			w.mode = Recognizing
			w.progress("", nil)
		}
	case CaptureNow:
		err = w.Session.Arm()
	case StartRecognition:
		if w.Session.State() == enroll.Capturing {
			w.Session.Cancel()
			w.progress("", nil)
		}
		w.mode = Recognizing
	case Stop:
		w.stopped = true
	default:
		err = fmt.Errorf("unknown command %s", cmd.Kind)
	}

	if err != nil {
		w.logger.Debug("command refused", "command", cmd.Kind, "error", err)
	}
	if cmd.Reply != nil {
		cmd.Reply <- err
	}
}

func (w *Worker) process(ctx context.Context, index int, data []byte) error {
	if w.mode == Enrolling {
		return w.enroll(ctx, index, data)
	}
	if (index-1)%w.opts.Every != 0 {
		return nil
	}
	return w.recognize(ctx, index, data)
}

func (w *Worker) recognize(ctx context.Context, index int, data []byte) error {
	small, err := frame.Downscale(data, w.opts.Scale)
	if err != nil {
		w.logger.Warn("skipping undecodable frame", "frame", index, "error", err)
		return nil
	}

	var results []matcher.Result
	boxes, err := w.Capability.Detect(ctx, small)
	if err != nil {
		if err := w.frameFailed(index, "detection", err); err != nil {
			return err
		}
		boxes = nil
	}

	if len(boxes) > 0 {
		encs, err := w.Capability.Encode(ctx, small, boxes)
		if err != nil {
			if err := w.frameFailed(index, "encoding", err); err != nil {
				return err
			}
			encs = nil
		}

		// One snapshot and one threshold read per frame
		snap := w.Store.All()
		threshold := w.Threshold.Get()
		now := w.opts.Clock()
		for i, enc := range encs {
			if !enc.OK() {
				w.logger.Warn("face skipped", "frame", index, "face", i, "error", enc.Err)
				continue
			}
			r := matcher.Match(store.Vector(enc.Vec), snap, threshold)
			r.Timestamp = now
			r.Box = boxes[i].Scale(w.opts.Scale)
			results = append(results, r)
		}
	}

	stats := w.History.Record(results)
	w.Bus.SendEvent(Event{
		Kind:       ResultsReady,
		FrameIndex: index,
		Time:       w.opts.Clock(),
		Results:    results,
		Stats:      stats,
	})
	return nil
}

func (w *Worker) enroll(ctx context.Context, index int, data []byte) error {
	now := w.opts.Clock()
	if !w.Session.Ready(now) {
		return nil
	}

	boxes, err := w.Capability.Detect(ctx, data)
	if err != nil {
		return w.frameFailed(index, "detection", err)
	}
	f := enroll.Frame{Image: data, Boxes: boxes}
	if len(boxes) == 1 {
		if f.Encodings, err = w.Capability.Encode(ctx, data, boxes); err != nil {
			return w.frameFailed(index, "encoding", err)
		}
	}

	outcome, err := w.Session.Submit(ctx, now, f)
	if err != nil {
		w.logger.Error("enrollment capture failed", "frame", index, "error", err)
		w.progress("", err)
		return nil
	}
	if outcome == enroll.NotReady {
		return nil
	}
	w.progress(outcome.String(), nil, boxes...)

	if w.Session.State().Terminal() {
		w.mode = Recognizing
	}
	return nil
}

// frameFailed decides what a capability error costs. A lost capability ends
// the run; anything else only costs the frame.
func (w *Worker) frameFailed(index int, stage string, err error) error {
	if errors.Is(err, types.ErrCapabilityLost) {
		return fmt.Errorf("%s failed on frame %d: %w", stage, index, err)
	}
	w.logger.Warn("skipping frame", "frame", index, "stage", stage, "error", err)
	return nil
}

func (w *Worker) progress(outcome string, err error, boxes ...types.Box) {
	p := w.Session.Status()
	ev := Event{
		Kind:       EnrollmentProgress,
		FrameIndex: w.frames,
		Time:       w.opts.Clock(),
		Progress:   &p,
		Outcome:    outcome,
		Boxes:      boxes,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	w.Bus.SendEvent(ev)
}
