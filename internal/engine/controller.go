package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/history"
	"github.com/andresmejia3/faceid/internal/matcher"
)

const commandBuffer = 16

// Controller is the control surface over the worker. It starts a worker on
// demand, forwards commands to it and exposes the shared catalogue state.
// All methods are safe for concurrent use.
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	run *run
}

type run struct {
	commands chan Command
	done     chan struct{}
	cancel   context.CancelFunc
	err      error // valid once done is closed
}

func NewController(deps Deps, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		deps:   deps.withDefaults(opts.Logger),
		opts:   opts,
		logger: opts.Logger,
	}
}

// Bus returns the bus the worker publishes to.
func (c *Controller) Bus() *Bus { return c.deps.Bus }

// Subscribe registers a listener on the worker events.
func (c *Controller) Subscribe(buffer int) *Subscription { return c.deps.Bus.AddListener(buffer) }

// Unsubscribe removes a listener and closes its mailboxes.
func (c *Controller) Unsubscribe(sub *Subscription) { c.deps.Bus.RemoveListener(sub) }

// StartRecognition switches the worker to recognition, starting it if needed.
func (c *Controller) StartRecognition(ctx context.Context) error {
	r := c.ensureRunning(ctx)
	return c.send(ctx, r, Command{Kind: StartRecognition})
}

// Train starts an enrollment for identity, starting the worker if needed.
// In manual mode samples are only taken after CaptureNow.
func (c *Controller) Train(ctx context.Context, identity string, manual bool) error {
	if strings.TrimSpace(identity) == "" {
		return enroll.ErrEmptyIdentity
	}
	r := c.ensureRunning(ctx)
	return c.send(ctx, r, Command{Kind: StartEnrollment, Identity: identity, Manual: manual})
}

// CaptureNow arms the next manual capture.
func (c *Controller) CaptureNow(ctx context.Context) error {
	r := c.current()
	if r == nil {
		return ErrNotRunning
	}
	return c.send(ctx, r, Command{Kind: CaptureNow})
}

// CancelTraining stops the running enrollment. Captured samples are kept.
func (c *Controller) CancelTraining(ctx context.Context) error {
	r := c.current()
	if r == nil {
		return ErrNotRunning
	}
	return c.send(ctx, r, Command{Kind: CancelEnrollment})
}

// SetThreshold changes the match threshold. Out of range values are rejected
// and the previous value is kept.
func (c *Controller) SetThreshold(v float64) error {
	if err := c.deps.Threshold.Set(v); err != nil {
		return err
	}
	c.logger.Info("threshold updated", "threshold", v)
	return nil
}

// Threshold returns the current match threshold.
func (c *Controller) Threshold() float64 { return c.deps.Threshold.Get() }

// ClearAll empties the catalogue and removes the persisted artifact.
func (c *Controller) ClearAll(ctx context.Context) error {
	return c.deps.Store.Clear(ctx)
}

// Identities returns the distinct enrolled names.
func (c *Controller) Identities() []string { return c.deps.Store.Identities() }

// Counts returns the number of samples per identity.
func (c *Controller) Counts() map[string]int { return c.deps.Store.CountByIdentity() }

// History returns the recent recognitions, oldest first.
func (c *Controller) History() []matcher.Result { return c.deps.History.Entries() }

// Stats returns the statistics of the last recognized frame.
func (c *Controller) Stats() history.Stats { return c.deps.History.Stats() }

// Enrollment returns the enrollment session progress.
func (c *Controller) Enrollment() enroll.Progress { return c.deps.Session.Status() }

// Running reports whether a worker is active.
func (c *Controller) Running() bool { return c.current() != nil }

// Wait blocks until the current worker stops and returns its error.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit stops the worker and waits for it to release the frame source.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil
	}

	select {
	case r.commands <- Command{Kind: Stop}:
	default:
	}
	// The worker may be blocked reading the next frame.
	r.cancel()

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// current returns the active run, or nil.
func (c *Controller) current() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	select {
	case <-c.run.done:
		return nil
	default:
		return c.run
	}
}

func (c *Controller) ensureRunning(ctx context.Context) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		select {
		case <-c.run.done:
		default:
			return c.run
		}
	}

	// The worker outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		commands: make(chan Command, commandBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	w := NewWorker(c.deps, r.commands, c.opts)
	go func() {
		defer close(r.done)
		defer cancel()
		r.err = w.Run(runCtx)
		if r.err != nil {
			c.logger.Error("worker failed", "error", r.err)
		}
	}()
	c.run = r
	return r
}

// send delivers cmd and waits for the worker to apply it.
func (c *Controller) send(ctx context.Context, r *run, cmd Command) error {
	cmd.Reply = make(chan error, 1)

	select {
	case r.commands <- cmd:
	case <-r.done:
		return r.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.Reply:
		return err
	case <-r.done:
		// The worker may have applied the command just before stopping.
		select {
		case err := <-cmd.Reply:
			return err
		default:
			return r.stoppedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) stoppedErr() error {
	if r.err != nil {
		return r.err
	}
	return ErrNotRunning
}
