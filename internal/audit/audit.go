// Package audit records administrative and authentication events to
// an append-only trail. Events are buffered in memory and flushed to
// Postgres in batches so request handlers never block on the audit
// write path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is one entry in the audit trail.
type Event struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id"` // user id, or "" for anonymous events
	ActorEmail string    `json:"actor_email"`
	Action     string    `json:"action"` // e.g. "user.invited", "auth.login"
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Detail     string    `json:"detail"`
}

// Actions recorded by the application.
const (
	ActionLogin             = "auth.login"
	ActionLoginFailed       = "auth.login_failed"
	ActionLogout            = "auth.logout"
	ActionBootstrap         = "system.bootstrap"
	ActionUserInvited       = "user.invited"
	ActionUserOnboarded     = "user.onboarded"
	ActionUserRoleChanged   = "user.role_changed"
	ActionUserDeleted       = "user.deleted"
	ActionOrgCreated        = "org.created"
	ActionOrgDeleted        = "org.deleted"
	ActionMembershipAdded   = "org.membership_added"
	ActionMembershipRemoved = "org.membership_removed"
)

// BatchInserter persists event batches. It exists to allow testing the
// collector without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, events []Event) error
}

// Collector buffers events in memory and flushes them to the store in
// batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Event
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
}

// NewCollector creates a Collector that flushes when the buffer
// reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start begins a background goroutine that flushes buffered events on
// a timer. It blocks until Stop is called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds an event to the buffer, stamping OccurredAt if unset. A
// full buffer triggers an immediate flush.
func (c *Collector) Record(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

// flush drains the buffer and writes it to the store. Errors are
// logged rather than returned so callers are never blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Event, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.BatchInsert(ctx, batch); err != nil {
		slog.Error("failed to flush audit events", "count", len(batch), "error", err)
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	close(c.done)
	c.flush()
}
