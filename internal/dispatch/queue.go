package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/command"
	"github.com/jtstockton/meshcore-bot/internal/domain"
)

const (
	queueTickActive = 100 * time.Millisecond
	queueTickIdle   = 500 * time.Millisecond

	// queueExpiryGrace pads the expected cooldown end; an entry still not
	// runnable past it is stale (the cooldown moved) and gets dropped.
	queueExpiryGrace = 2 * time.Second
)

type queuedRequest struct {
	cmd       command.Command
	msg       *domain.MeshMessage
	queuedAt  time.Time
	expiresAt time.Time
}

// cooldownQueue holds requests throttled by a command cooldown that will be
// runnable soon. At most one entry per (user, command); queuing is silent.
type cooldownQueue struct {
	mu      sync.Mutex
	entries map[string]*queuedRequest
	run     func(ctx context.Context, cmd command.Command, msg *domain.MeshMessage)
}

func newCooldownQueue(run func(ctx context.Context, cmd command.Command, msg *domain.MeshMessage)) *cooldownQueue {
	return &cooldownQueue{
		entries: map[string]*queuedRequest{},
		run:     run,
	}
}

// offer enqueues the request unless the user already has one waiting for
// this command. remaining is the cooldown left at queue time; it sets the
// entry's expiry deadline.
func (q *cooldownQueue) offer(cmd command.Command, msg *domain.MeshMessage, remaining time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := msg.SenderKey() + "|" + cmd.Name()
	if _, waiting := q.entries[key]; waiting {
		return false
	}
	now := time.Now()
	q.entries[key] = &queuedRequest{
		cmd:       cmd,
		msg:       msg,
		queuedAt:  now,
		expiresAt: now.Add(remaining + queueExpiryGrace),
	}
	return true
}

func (q *cooldownQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// work drains the queue until ctx ends, ticking fast while entries wait and
// slowly when idle.
func (q *cooldownQueue) work(ctx context.Context) {
	for {
		tick := queueTickIdle
		if q.len() > 0 {
			tick = queueTickActive
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
		q.drainReady(ctx)
	}
}

func (q *cooldownQueue) drainReady(ctx context.Context) {
	now := time.Now()

	q.mu.Lock()
	var ready []*queuedRequest
	for key, e := range q.entries {
		if ok, _ := e.cmd.CheckCooldown(e.msg.SenderKey(), now); ok {
			ready = append(ready, e)
			delete(q.entries, key)
			continue
		}
		if now.After(e.expiresAt) {
			delete(q.entries, key)
		}
	}
	q.mu.Unlock()

	for _, e := range ready {
		q.run(ctx, e.cmd, e.msg)
	}
}
