// Package tracker follows the bot's own transmissions on the air: it matches
// them against RX log echoes, counts which repeaters picked them up, and
// drives echo-verified retries for channel sends.
package tracker

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/persistence"
)

const (
	// pendingWindow bounds how long an unconfirmed send stays matchable.
	pendingWindow = 30 * time.Second
	// confirmedTTL bounds how long a confirmed hash keeps counting repeats.
	confirmedTTL = 5 * time.Minute

	// RepeaterUnknown marks a repeat whose path gave no usable last hop.
	RepeaterUnknown = "_unknown"
)

// Record is one tracked outbound transmission.
type Record struct {
	CommandID   string
	Content     string
	Destination string // pubkey prefix for DMs, channel name for channels
	IsChannel   bool
	SentAt      time.Time

	Hash        string // packet hash once confirmed on air
	Confirmed   bool
	EchoHeard   bool
	RepeatCount int
	Repeaters   []string
}

type Tracker struct {
	log    *slog.Logger
	stream *persistence.StreamRepo
	writer *persistence.WriterQueue
	now    func() time.Time

	mu         sync.Mutex
	selfPrefix string
	seq        uint64
	pending   map[int64][]*Record // keyed by floor-second of SentAt
	confirmed map[string]*Record  // keyed by packet hash
	echoTasks map[string]context.CancelFunc
}

func New(log *slog.Logger, stream *persistence.StreamRepo, writer *persistence.WriterQueue, selfPrefix string) *Tracker {
	return &Tracker{
		log:        log,
		stream:     stream,
		writer:     writer,
		selfPrefix: selfPrefix,
		now:        time.Now,
		pending:    make(map[int64][]*Record),
		confirmed:  make(map[string]*Record),
		echoTasks:  make(map[string]context.CancelFunc),
	}
}

// SetSelfPrefix records the bot's own on-air prefix, learned from the
// radio's self info, so its echoes are not counted as repeaters.
func (t *Tracker) SetSelfPrefix(prefix string) {
	t.mu.Lock()
	t.selfPrefix = prefix
	t.mu.Unlock()
}

// RecordSend registers an outbound transmission before it hits the air.
func (t *Tracker) RecordSend(content, destination string, isChannel bool) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	now := t.now()
	r := &Record{
		CommandID:   fmt.Sprintf("tx-%d-%d", now.UnixMilli(), t.seq),
		Content:     content,
		Destination: destination,
		IsChannel:   isChannel,
		SentAt:      now,
	}
	key := now.Unix()
	t.pending[key] = append(t.pending[key], r)
	return r
}

// Confirm matches an on-air packet hash against a pending send. content is
// the decoded text of the heard packet; a pending record matches when its
// content equals it exactly, after the "Sender: " framing a channel echo
// carries is stripped. Each record confirms at most once.
func (t *Tracker) Confirm(hash, content string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, taken := t.confirmed[hash]; taken {
		return nil, false
	}

	now := t.now()
	unframed := stripSenderFraming(content)
	var match *Record
	for sec := now.Unix(); sec >= now.Add(-pendingWindow).Unix(); sec-- {
		for _, r := range t.pending[sec] {
			if r.Confirmed {
				continue
			}
			if content != "" && r.Content != "" && content != r.Content && unframed != r.Content {
				continue
			}
			if match == nil || r.SentAt.After(match.SentAt) {
				match = r
			}
		}
	}
	if match == nil {
		return nil, false
	}

	match.Confirmed = true
	match.EchoHeard = true
	match.Hash = hash
	t.confirmed[hash] = match
	return match, true
}

// stripSenderFraming drops the "Sender: " prefix the radio prepends to
// channel text. Substring matching is deliberately not used: the unframed
// remainder must equal a pending send byte for byte.
func stripSenderFraming(content string) string {
	if i := strings.Index(content, ": "); i > 0 {
		return content[i+2:]
	}
	return content
}

// ObserveRepeat counts a further copy of an already-confirmed transmission.
// The repeating node is the last hop of the copy's path; the bot's own
// prefix is not a repeater, and an unusable path counts as RepeaterUnknown.
func (t *Tracker) ObserveRepeat(hash string, pathBytes []byte) (*Record, bool) {
	t.mu.Lock()
	r, ok := t.confirmed[hash]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}

	repeater := RepeaterUnknown
	if len(pathBytes) > 0 {
		repeater = hex.EncodeToString(pathBytes[len(pathBytes)-1:])
	}
	if repeater == t.selfPrefix {
		t.mu.Unlock()
		return r, false
	}

	r.RepeatCount++
	if !slices.Contains(r.Repeaters, repeater) {
		r.Repeaters = append(r.Repeaters, repeater)
	}
	commandID := r.CommandID
	count := r.RepeatCount
	repeaters := append([]string(nil), r.Repeaters...)
	t.mu.Unlock()

	t.writer.Enqueue("repeat count", func(ctx context.Context) error {
		_, err := t.stream.UpdateRepeatCount(ctx, commandID, count, repeaters)
		return err
	})
	return r, true
}

// ScheduleEchoCheck arms a retry for a channel send: after the echo window
// passes without the transmission being heard back, retry runs once. The
// task dies with ctx, so a disconnect cancels all outstanding checks.
func (t *Tracker) ScheduleEchoCheck(ctx context.Context, r *Record, echoWindow time.Duration, retry func(context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.echoTasks[r.CommandID] = cancel
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.echoTasks, r.CommandID)
			t.mu.Unlock()
			cancel()
		}()

		select {
		case <-taskCtx.Done():
			return
		case <-time.After(echoWindow):
		}

		t.mu.Lock()
		heard := r.EchoHeard
		t.mu.Unlock()
		if heard {
			return
		}
		t.log.Info("channel send not echoed, retrying", "command_id", r.CommandID)
		retry(taskCtx)
	}()
}

// CancelEchoChecks stops every armed echo task, for use on disconnect.
func (t *Tracker) CancelEchoChecks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cancel := range t.echoTasks {
		cancel()
		delete(t.echoTasks, id)
	}
}

// GC drops unmatchable pending sends and expired confirmed hashes.
func (t *Tracker) GC() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	pendingCutoff := now.Add(-pendingWindow).Unix()
	for sec := range t.pending {
		if sec < pendingCutoff {
			delete(t.pending, sec)
		}
	}
	confirmedCutoff := now.Add(-confirmedTTL)
	for hash, r := range t.confirmed {
		if r.SentAt.Before(confirmedCutoff) {
			delete(t.confirmed, hash)
		}
	}
}

// Run garbage-collects periodically until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(confirmedTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.GC()
		}
	}
}
