// Package lock drives the exclusive editing lock of a document: a session
// either holds the lock and renews it (heartbeat) or waits for it as a
// reader (poll).
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/schedule"
	"github.com/sirupsen/logrus"
)

const (
	HeartbeatInterval = 15 * time.Second
	PollInterval      = 12 * time.Second
	RequestTimeout    = 10 * time.Second
)

type Role int

const (
	RoleUnknown Role = iota
	RoleEditor
	RoleReadOnly
)

func (r Role) String() string {
	switch r {
	case RoleEditor:
		return "editor"
	case RoleReadOnly:
		return "read-only"
	}
	return "unknown"
}

// TimerKind names the timer a Coordinator has armed.
type TimerKind int

const (
	TimerNone TimerKind = iota
	TimerHeartbeat
	TimerPoll
)

func (k TimerKind) String() string {
	switch k {
	case TimerHeartbeat:
		return "heartbeat"
	case TimerPoll:
		return "poll"
	}
	return "none"
}

type (
	// Hooks are invoked without the coordinator's lock held.
	Hooks struct {
		// OnRoleChange is called after every role transition.
		OnRoleChange func(from, to Role)
		// Refresh is called on each poll tick that finds the lock held by
		// another user.
		Refresh func(ctx context.Context)
	}

	Options struct {
		Heartbeat      time.Duration
		Poll           time.Duration
		RequestTimeout time.Duration
		Scheduler      schedule.Scheduler
		Logger         *logrus.Entry
		Hooks          Hooks
	}

	Coordinator struct {
		mu     sync.Mutex
		docID  string
		user   core.LockHolder
		locks  core.LockStore
		opts   Options
		log    *logrus.Entry
		ctx    context.Context
		cancel context.CancelFunc

		role      Role
		timer     schedule.Timer
		timerKind TimerKind
		status    *core.LockStatus
		// epoch is bumped on every transition; completions of calls started
		// under an older epoch are dropped.
		epoch  uint64
		closed bool
	}
)

func NewCoordinator(locks core.LockStore, docID string, user core.LockHolder, opts Options) *Coordinator {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = HeartbeatInterval
	}
	if opts.Poll <= 0 {
		opts.Poll = PollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = RequestTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.Real()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		docID:  docID,
		user:   user,
		locks:  locks,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		log: log.WithFields(logrus.Fields{
			"document_id": docID,
			"user_id":     user.UserID,
		}),
	}
}

func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Coordinator) IsEditor() bool {
	return c.Role() == RoleEditor
}

// Timer reports which timer is currently armed.
func (c *Coordinator) Timer() TimerKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timerKind
}

// Status returns the last observed lock view.
func (c *Coordinator) Status() *core.LockStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return nil
	}
	s := *c.status
	return &s
}

// Acquire requests the lock. Success makes this session the editor and
// starts the heartbeat; anything else makes it a reader and starts polling.
func (c *Coordinator) Acquire(ctx context.Context) Role {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return RoleUnknown
	}
	epoch := c.epoch
	c.mu.Unlock()

	return c.acquire(ctx, epoch)
}

func (c *Coordinator) acquire(ctx context.Context, epoch uint64) Role {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	res, err := c.locks.Acquire(callCtx, c.docID, c.user)
	cancel()

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		role := c.role
		c.mu.Unlock()
		return role
	}

	var to Role
	switch {
	case err != nil:
		c.log.WithError(err).Warn("Failed to acquire lock, continuing read-only")
		to = RoleReadOnly
	case res.OK:
		c.status = &core.LockStatus{Locked: true, Holder: &c.user, ExpiresAt: res.ExpiresAt}
		c.log.Info("Lock acquired")
		to = RoleEditor
	default:
		c.status = &core.LockStatus{Locked: true, Holder: res.Holder, ExpiresAt: res.ExpiresAt}
		entry := c.log
		if res.Holder != nil {
			entry = entry.WithField("holder_id", res.Holder.UserID)
		}
		entry.Info("Lock held by another user, continuing read-only")
		to = RoleReadOnly
	}
	from := c.transitionLocked(to)
	c.mu.Unlock()

	c.notify(from, to)
	return to
}

// Demote forces the session out of the editor role, e.g. after a save
// conflict. The lock itself is left to expire or be released at teardown.
func (c *Coordinator) Demote() {
	c.mu.Lock()
	if c.closed || c.role == RoleReadOnly {
		c.mu.Unlock()
		return
	}
	from := c.transitionLocked(RoleReadOnly)
	c.mu.Unlock()

	c.log.Warn("Demoted to read-only")
	c.notify(from, RoleReadOnly)
}

// Release stops all timers and, when this session is the editor, releases
// the lock. Errors are ignored; the backend expires abandoned locks.
func (c *Coordinator) Release(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasEditor := c.role == RoleEditor
	c.closed = true
	c.epoch++
	c.stopTimerLocked()
	c.mu.Unlock()

	c.cancel()
	if !wasEditor {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if _, err := c.locks.Release(callCtx, c.docID, c.user.UserID); err != nil {
		c.log.WithError(err).Debug("Failed to release lock")
		return
	}
	c.log.Info("Lock released")
}

// transitionLocked switches role, cancels the current timer and arms the
// timer for the new role. c.mu must be held.
func (c *Coordinator) transitionLocked(to Role) Role {
	from := c.role
	c.role = to
	c.epoch++
	c.stopTimerLocked()

	switch to {
	case RoleEditor:
		c.armLocked(TimerHeartbeat)
	case RoleReadOnly:
		c.armLocked(TimerPoll)
	}
	return from
}

func (c *Coordinator) armLocked(kind TimerKind) {
	epoch := c.epoch
	switch kind {
	case TimerHeartbeat:
		c.timer = c.opts.Scheduler.AfterFunc(c.opts.Heartbeat, func() { c.heartbeat(epoch) })
	case TimerPoll:
		c.timer = c.opts.Scheduler.AfterFunc(c.opts.Poll, func() { c.poll(epoch) })
	}
	c.timerKind = kind
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = nil
	c.timerKind = TimerNone
}

// current reports whether a tick armed under epoch is still relevant.
func (c *Coordinator) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.epoch == epoch
}

func (c *Coordinator) heartbeat(epoch uint64) {
	if !c.current(epoch) {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
	ok, err := c.locks.Renew(ctx, c.docID, c.user.UserID)
	cancel()

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("Failed to renew lock, retrying on next heartbeat")
		c.armLocked(TimerHeartbeat)
		c.mu.Unlock()
		return
	}
	if ok {
		c.log.Debug("Lock renewed")
		c.armLocked(TimerHeartbeat)
		c.mu.Unlock()
		return
	}

	c.status = &core.LockStatus{Locked: false}
	from := c.transitionLocked(RoleReadOnly)
	c.mu.Unlock()

	c.log.Warn("Lock lost, continuing read-only")
	c.notify(from, RoleReadOnly)
}

func (c *Coordinator) poll(epoch uint64) {
	if !c.current(epoch) {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
	status, err := c.locks.Get(ctx, c.docID)
	cancel()

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.log.WithError(err).Debug("Failed to poll lock status")
		c.armLocked(TimerPoll)
		c.mu.Unlock()
		return
	}
	c.status = status

	// A lock still held, even under our own user id, belongs to a live
	// editor: only a free lock is taken over.
	if !status.Locked {
		c.mu.Unlock()
		c.acquire(c.ctx, epoch)
		return
	}
	c.armLocked(TimerPoll)
	c.mu.Unlock()

	if c.opts.Hooks.Refresh != nil {
		c.opts.Hooks.Refresh(c.ctx)
	}
}

func (c *Coordinator) notify(from, to Role) {
	if from == to {
		return
	}
	c.log.WithFields(logrus.Fields{"from": from.String(), "role": to.String()}).Debug("Lock role changed")
	if c.opts.Hooks.OnRoleChange != nil {
		c.opts.Hooks.OnRoleChange(from, to)
	}
}
