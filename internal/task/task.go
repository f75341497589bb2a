// Package task owns the one-generation-per-user invariant. It starts and
// cancels backend calls, and reconciles every terminal outcome back into the
// history log exactly once.
package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/darkroom/internal/history"
	"github.com/zulandar/darkroom/internal/models"
)

// ErrBusy rejects a new request while one is in flight for the same user.
// The caller surfaces "wait or cancel"; requests are never queued.
var ErrBusy = errors.New("task: a generation is already running for this user")

// Artifact is one generated image.
type Artifact struct {
	Name string
	PNG  []byte
}

// Request describes one generation attempt with fully resolved parameters.
// The prompt has already been translated and is screened here before the
// backend is ever contacted.
type Request struct {
	Kind        string // models.ActionTxt2Img, ActionImg2Img or ActionRescale
	UserID      int64
	UserName    string
	Prompt      string
	Model       int
	Orientation int
	InitImage   []byte // img2img/rescale source image
}

// Backend is the external generation service. Generate must observe ctx
// cancellation mid-flight; the backend itself has no native cancel, so an
// abandoned call is simply no longer waited for.
type Backend interface {
	Generate(ctx context.Context, req Request) ([]Artifact, error)
}

// Screener checks prompts against the moderation word list.
type Screener interface {
	Screen(text string) (term string, hit bool)
}

// OutcomeKind enumerates terminal outcomes of a submit.
type OutcomeKind string

const (
	Completed OutcomeKind = "completed"
	Cancelled OutcomeKind = "cancelled"
	Blocked   OutcomeKind = "blocked"
	Failed    OutcomeKind = "failed"
)

// Outcome is the terminal result of one accepted generation attempt. All
// failure modes are converted here; none propagate as raw errors to the
// dispatch layer.
type Outcome struct {
	Kind      OutcomeKind
	Artifacts []Artifact // Completed only
	EntryID   uint       // history id for Completed and Blocked
	Term      string     // offending term for Blocked
	Err       error      // reason for Failed; distinguishes backend vs storage in logs
}

// Handle states. The transition out of stateRunning is a single
// compare-and-swap: whichever of {backend result, cancellation} commits
// first determines the outcome and the loser is a no-op.
const (
	stateRunning int32 = iota
	stateSettledResult
	stateSettledCancel
)

// handle marks a user's in-flight attempt and carries the means to cancel
// it. Its existence in the controller map is the sole source of truth for
// "is this user busy".
type handle struct {
	userID  int64
	started time.Time
	cancel  context.CancelFunc
	state   atomic.Int32
}

// Controller enforces single-flight per user and drives attempts to a
// terminal outcome.
type Controller struct {
	backend  Backend
	log      *history.Log
	screener Screener

	mu     sync.Mutex
	active map[int64]*handle
}

// Opts holds parameters for creating a Controller.
type Opts struct {
	Backend  Backend
	Log      *history.Log
	Screener Screener
}

// New creates a Controller.
func New(opts Opts) (*Controller, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("task: backend is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("task: history log is required")
	}
	if opts.Screener == nil {
		return nil, fmt.Errorf("task: screener is required")
	}
	return &Controller{
		backend:  opts.Backend,
		log:      opts.Log,
		screener: opts.Screener,
		active:   make(map[int64]*handle),
	}, nil
}

// Submit runs one generation attempt to a terminal outcome. It returns
// ErrBusy without touching the backend when the user already has an attempt
// in flight. Every accepted attempt removes its handle exactly once, in all
// paths, including history write failures.
func (c *Controller) Submit(ctx context.Context, req Request) (Outcome, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	h := &handle{userID: req.UserID, started: time.Now(), cancel: cancel}

	// Single-flight gate: check and insert under one lock.
	c.mu.Lock()
	if _, busy := c.active[req.UserID]; busy {
		c.mu.Unlock()
		cancel()
		return Outcome{}, ErrBusy
	}
	c.active[req.UserID] = h
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.active, req.UserID)
		c.mu.Unlock()
		cancel()
	}()

	// Moderation screening runs before the backend is ever contacted.
	if term, hit := c.screener.Screen(req.Prompt); hit {
		if !h.state.CompareAndSwap(stateRunning, stateSettledResult) {
			return Outcome{Kind: Cancelled}, nil
		}
		id, err := c.log.Append(&models.HistoryEntry{
			Action:      req.Kind,
			Model:       req.Model,
			Orientation: req.Orientation,
			Prompt:      req.Prompt,
			UserID:      req.UserID,
			UserName:    req.UserName,
			Blocked:     true,
		})
		if err != nil {
			log.Printf("task: user %d: record blocked attempt: %v", req.UserID, err)
			return Outcome{Kind: Failed, Err: err}, nil
		}
		log.Printf("task: user %d: blocked by moderation (term %q)", req.UserID, term)
		return Outcome{Kind: Blocked, EntryID: id, Term: term}, nil
	}

	artifacts, genErr := c.backend.Generate(taskCtx, req)

	if genErr != nil {
		// A cancelled context means the user (or shutdown) abandoned the
		// attempt; either way the result never existed for history purposes.
		if !h.state.CompareAndSwap(stateRunning, stateSettledResult) ||
			errors.Is(genErr, context.Canceled) {
			log.Printf("task: user %d: attempt cancelled after %s", req.UserID, time.Since(h.started).Round(time.Millisecond))
			return Outcome{Kind: Cancelled}, nil
		}
		log.Printf("task: user %d: backend failure: %v", req.UserID, genErr)
		return Outcome{Kind: Failed, Err: genErr}, nil
	}

	// Terminal compare-and-set: if a cancellation already won, the result
	// is discarded and never recorded.
	if !h.state.CompareAndSwap(stateRunning, stateSettledResult) {
		log.Printf("task: user %d: result discarded, cancellation won", req.UserID)
		return Outcome{Kind: Cancelled}, nil
	}

	id, err := c.log.Append(&models.HistoryEntry{
		Action:      req.Kind,
		Model:       req.Model,
		Orientation: req.Orientation,
		Prompt:      req.Prompt,
		UserID:      req.UserID,
		UserName:    req.UserName,
	})
	if err != nil {
		log.Printf("task: user %d: record completed attempt: %v", req.UserID, err)
		return Outcome{Kind: Failed, Err: err}, nil
	}

	log.Printf("task: user %d: completed %s in %s (%d images)",
		req.UserID, req.Kind, time.Since(h.started).Round(time.Millisecond), len(artifacts))
	return Outcome{Kind: Completed, Artifacts: artifacts, EntryID: id}, nil
}

// Cancel signals the user's in-flight attempt. It returns true only when an
// attempt was found and this call won the terminal transition; a duplicate
// cancel or a cancel racing a finished result returns false. Never an error.
func (c *Controller) Cancel(userID int64) bool {
	c.mu.Lock()
	h, ok := c.active[userID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if !h.state.CompareAndSwap(stateRunning, stateSettledCancel) {
		return false
	}
	h.cancel()
	log.Printf("task: user %d: cancellation signalled", userID)
	return true
}

// Busy reports whether the user currently has an attempt in flight.
func (c *Controller) Busy(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[userID]
	return ok
}

// ActiveCount returns the number of in-flight attempts across all users.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
