package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// ExhaustedPolicy decides what happens to an entry whose sends keep failing.
type ExhaustedPolicy string

// Exhausted policies.
const (
	// PolicyRetry keeps failed entries pending forever.
	PolicyRetry ExhaustedPolicy = "retry"
	// PolicyDeadLetter moves entries to failed once MaxRetries is reached
	// or the sender reports a permanent error.
	PolicyDeadLetter ExhaustedPolicy = "dead_letter"
	// PolicyDeadLetterAlert is PolicyDeadLetter plus an alert email to AlertAddress.
	PolicyDeadLetterAlert ExhaustedPolicy = "dead_letter_alert"
)

// Valid reports whether p is a known policy.
func (p ExhaustedPolicy) Valid() bool {
	switch p {
	case PolicyRetry, PolicyDeadLetter, PolicyDeadLetterAlert:
		return true
	}
	return false
}

const maxErrorLength = 1000

// EngineConfig contains delivery engine configuration.
type EngineConfig struct {
	BatchSize     int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	SendTimeout   time.Duration
	NumWorkers    int
	MaxRetries    int
	OnExhausted   ExhaustedPolicy
	AlertAddress  string
	// SendRate limits sends per second across all workers of the engine; 0 disables the limit.
	SendRate  float64
	SendBurst int
	// Owner identifies this engine in leases. Generated when empty.
	Owner string
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchSize:     50,
		PollInterval:  15 * time.Second,
		LeaseDuration: 2 * time.Minute,
		SendTimeout:   30 * time.Second,
		NumWorkers:    1,
		MaxRetries:    0,
		OnExhausted:   PolicyRetry,
		SendBurst:     1,
	}
}

// CycleResult summarizes one polling cycle.
type CycleResult struct {
	Skipped      bool
	Claimed      int
	Sent         int
	Failed       int
	DeadLettered int
	LeaseLost    int
	Deferred     int
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeDeadLettered
	outcomeLeaseLost
	outcomeDeferred
)

func (r *CycleResult) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeFailed:
		r.Failed++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeLeaseLost:
		r.LeaseLost++
	case outcomeDeferred:
		r.Deferred++
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeliveryHook sets the hook called after a user approval email is sent.
func WithDeliveryHook(hook DeliveryHook) Option {
	return func(e *Engine) { e.hook = hook }
}

// WithCycleGuard sets a guard that serializes cycles across processes.
func WithCycleGuard(guard CycleGuard) Option {
	return func(e *Engine) { e.guard = guard }
}

// WithClock overrides the time source used for leases.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the queue entry lifecycle: it enqueues entries and runs polling
// cycles that claim, send and settle them.
type Engine struct {
	config  EngineConfig
	repo    Repository
	sender  Sender
	hook    DeliveryHook
	guard   CycleGuard
	limiter *rate.Limiter
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a new delivery engine.
func NewEngine(config EngineConfig, repo Repository, sender Sender, opts ...Option) *Engine {
	defaults := DefaultEngineConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaults.LeaseDuration
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.OnExhausted == "" {
		config.OnExhausted = defaults.OnExhausted
	}
	if config.Owner == "" {
		config.Owner = ulid.Make().String()
	}

	e := &Engine{
		config: config,
		repo:   repo,
		sender: sender,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}

	if config.SendRate > 0 {
		burst := config.SendBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(config.SendRate), burst)
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Owner returns the lease owner token of this engine.
func (e *Engine) Owner() string {
	return e.config.Owner
}

// Enqueue appends a pending entry to the queue.
func (e *Engine) Enqueue(ctx context.Context, entry NewEntry) (*Entry, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	created, err := e.repo.Enqueue(ctx, entry)
	if err != nil {
		return nil, &StoreError{Op: "enqueue", Err: err}
	}

	recordEnqueued(entry.Type)
	slog.Debug("email queued",
		"entry_id", created.ID,
		"type", created.Type,
	)

	return created, nil
}

// GetEntry returns a queue entry by ID.
func (e *Engine) GetEntry(ctx context.Context, id string) (*Entry, error) {
	entry, err := e.repo.GetEntry(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		return nil, &StoreError{Op: "get entry", Err: err}
	}
	return entry, nil
}

// Start launches worker goroutines, each running a cycle every PollInterval.
func (e *Engine) Start(ctx context.Context) {
	slog.Info("starting mail queue engine",
		"owner", e.config.Owner,
		"workers", e.config.NumWorkers,
		"batch_size", e.config.BatchSize,
		"poll_interval", e.config.PollInterval,
		"lease_duration", e.config.LeaseDuration,
		"on_exhausted", e.config.OnExhausted,
		"max_retries", e.config.MaxRetries,
	)

	for i := 0; i < e.config.NumWorkers; i++ {
		owner := e.config.Owner
		if e.config.NumWorkers > 1 {
			owner = e.config.Owner + "-" + strconv.Itoa(i)
		}
		e.wg.Add(1)
		go e.run(ctx, owner)
	}
}

// Stop stops scheduling new cycles and waits for in-flight cycles to finish
// or ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("mail queue engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight cycles: %w", ctx.Err())
	}
}

func (e *Engine) run(ctx context.Context, owner string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			_, _ = e.runCycle(ctx, owner)
		}
	}
}

// RunCycle runs one polling cycle as this engine's owner.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	return e.runCycle(ctx, e.config.Owner)
}

func (e *Engine) runCycle(ctx context.Context, owner string) (CycleResult, error) {
	var result CycleResult

	if e.guard != nil {
		unlock, ok, err := e.guard.TryLock(ctx, e.config.LeaseDuration)
		switch {
		case err != nil:
			// Leases still prevent duplicate sends, so run unguarded.
			slog.Warn("cycle guard unavailable, running unguarded", "owner", owner, "error", err)
		case !ok:
			recordCycle("skipped")
			result.Skipped = true
			return result, nil
		default:
			defer func() {
				unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := unlock(unlockCtx); err != nil {
					slog.Warn("failed to release cycle guard", "owner", owner, "error", err)
				}
			}()
		}
	}

	now := e.now()
	leaseUntil := now.Add(e.config.LeaseDuration)
	entries, err := e.repo.ClaimDue(ctx, ClaimRequest{
		Owner:      owner,
		Now:        now,
		LeaseUntil: leaseUntil,
		Limit:      e.config.BatchSize,
	})
	if err != nil {
		slog.Error("failed to claim queue entries", "owner", owner, "error", err)
		recordCycle("error")
		return result, &StoreError{Op: "claim", Err: err}
	}

	result.Claimed = len(entries)
	if len(entries) == 0 {
		recordCycle("empty")
		return result, nil
	}

	slog.Debug("processing queue entries", "owner", owner, "count", len(entries))
	recordClaimed(len(entries))

	for _, entry := range entries {
		result.add(e.processEntry(ctx, owner, entry, leaseUntil))
	}

	recordCycle("ok")
	return result, nil
}

func (e *Engine) processEntry(ctx context.Context, owner string, entry *Entry, leaseUntil time.Time) outcome {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			// Not an attempt: the lease expires and the entry is reclaimed later.
			slog.Debug("send deferred", "entry_id", entry.ID, "error", err)
			recordDelivery(entry.Type, "deferred")
			return outcomeDeferred
		}
	}

	// The whole batch shares one lease. A send must be able to finish before it
	// runs out, otherwise another owner may reclaim the entry and send it too.
	if e.now().Add(e.config.SendTimeout).After(leaseUntil) {
		slog.Debug("lease too short for another send, leaving entry to expire",
			"entry_id", entry.ID,
			"owner", owner,
			"lease_until", leaseUntil,
		)
		recordDelivery(entry.Type, "deferred")
		return outcomeDeferred
	}

	start := time.Now()
	err := e.send(ctx, entry)
	duration := time.Since(start)

	if err != nil {
		return e.handleSendError(ctx, owner, entry, err)
	}

	recordSendDuration(entry.Type, duration)

	result := outcomeSent
	if markErr := e.repo.MarkSent(ctx, entry.ID, owner, e.now()); markErr != nil {
		if errors.Is(markErr, ErrLeaseLost) {
			slog.Warn("lease lost before marking entry sent", "entry_id", entry.ID, "owner", owner)
			result = outcomeLeaseLost
		} else {
			slog.Error("failed to mark as sent", "entry_id", entry.ID, "error", markErr)
		}
	}

	if result == outcomeSent {
		recordDelivery(entry.Type, "sent")
	} else {
		recordDelivery(entry.Type, "lease_lost")
	}

	// The email went out, so the user flag is accurate regardless of how the entry update ended.
	if entry.Type == EntryTypeUserApproval && entry.Target != nil && e.hook != nil {
		if err := e.hook.MarkEmailSent(ctx, *entry.Target); err != nil {
			slog.Error("failed to mark user email as sent",
				"entry_id", entry.ID,
				"user", entry.Target.Path(),
				"error", err,
			)
		}
	}

	slog.Debug("email sent",
		"entry_id", entry.ID,
		"type", entry.Type,
		"duration", duration,
	)

	return result
}

// send hands the entry to the sender, bounded by SendTimeout.
func (e *Engine) send(ctx context.Context, entry *Entry) (err error) {
	sendCtx, cancel := context.WithTimeout(ctx, e.config.SendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()

	return e.sender.Send(sendCtx, Message{
		To:      entry.To,
		Subject: entry.Subject,
		Body:    entry.Body,
	})
}

func (e *Engine) handleSendError(ctx context.Context, owner string, entry *Entry, sendErr error) outcome {
	attempts := entry.Retries + 1
	terminal := e.exhausted(attempts, sendErr)

	slog.Warn("send failed",
		"entry_id", entry.ID,
		"type", entry.Type,
		"attempt", attempts,
		"max_retries", e.config.MaxRetries,
		"terminal", terminal,
		"error", sendErr,
	)

	failure := Failure{
		ID:       entry.ID,
		Owner:    owner,
		Error:    truncateError(sendErr.Error()),
		Terminal: terminal,
		At:       e.now(),
	}
	if err := e.repo.RecordFailure(ctx, failure); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			slog.Warn("lease lost before recording failure", "entry_id", entry.ID, "owner", owner)
			recordDelivery(entry.Type, "lease_lost")
			return outcomeLeaseLost
		}
		slog.Error("failed to record send failure", "entry_id", entry.ID, "error", err)
		recordDelivery(entry.Type, "failed")
		return outcomeFailed
	}

	if !terminal {
		recordDelivery(entry.Type, "retry")
		return outcomeFailed
	}

	recordDelivery(entry.Type, "dead_letter")
	e.raiseAlert(ctx, entry, attempts, sendErr)
	return outcomeDeadLettered
}

// exhausted decides whether a failed attempt ends delivery of the entry.
func (e *Engine) exhausted(attempts int, err error) bool {
	if e.config.OnExhausted == PolicyRetry {
		return false
	}
	if !isRetryable(err) {
		return true
	}
	return e.config.MaxRetries > 0 && attempts >= e.config.MaxRetries
}

func (e *Engine) raiseAlert(ctx context.Context, entry *Entry, attempts int, sendErr error) {
	if e.config.OnExhausted != PolicyDeadLetterAlert || e.config.AlertAddress == "" {
		return
	}
	if entry.Type == EntryTypeDeadLetterAlert {
		return
	}

	subject, body, err := renderAlert(entry, attempts, sendErr)
	if err != nil {
		slog.Error("failed to render dead letter alert", "entry_id", entry.ID, "error", err)
		return
	}

	alert, err := e.Enqueue(ctx, NewEntry{
		To:      e.config.AlertAddress,
		Subject: subject,
		Body:    body,
		Type:    EntryTypeDeadLetterAlert,
	})
	if err != nil {
		slog.Error("failed to enqueue dead letter alert", "entry_id", entry.ID, "error", err)
		return
	}

	slog.Info("dead letter alert queued", "entry_id", entry.ID, "alert_id", alert.ID)
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}
