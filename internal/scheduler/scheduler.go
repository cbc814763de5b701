// Package scheduler runs the bot's clock-driven work: timed channel
// messages, periodic self-adverts, supervised background services, feed
// polling and the device channel-operation queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
)

// Sender is the outbound slice of the gateway the scheduler needs.
type Sender interface {
	SendChannelMessage(ctx context.Context, channel, text string) error
	SendAdvert(ctx context.Context) error
}

type Scheduler struct {
	log     *slog.Logger
	sender  Sender
	chanOps *persistence.ChanOpsRepo
	// format resolves placeholders in scheduled message bodies; it must not
	// block.
	format func(string) string

	messageTick time.Duration
	feedTick    time.Duration
	chanOpsTick time.Duration

	mu        sync.Mutex
	entries   []scheduleEntry
	lastFired map[string]string // HHMM -> yyyy-mm-dd fired
	advertGap time.Duration
	pollFeeds func(context.Context)
	applyOp   func(context.Context, *persistence.ChanOpsRepo) // set by gateway
}

type scheduleEntry struct {
	hhmm    string
	channel string
	text    string
}

func New(log *slog.Logger, cfg *config.Config, sender Sender, chanOps *persistence.ChanOpsRepo, format func(string) string) *Scheduler {
	if format == nil {
		format = func(s string) string { return s }
	}
	s := &Scheduler{
		log:         log,
		sender:      sender,
		chanOps:     chanOps,
		format:      format,
		messageTick: 20 * time.Second,
		feedTick:    60 * time.Second,
		chanOpsTick: 5 * time.Second,
		lastFired:   map[string]string{},
	}
	s.ApplyConfig(cfg)
	return s
}

// ApplyConfig re-reads the schedule table and advert interval.
func (s *Scheduler) ApplyConfig(cfg *config.Config) {
	var entries []scheduleEntry
	for hhmm, spec := range cfg.ScheduledMessages {
		entry, err := parseScheduleEntry(hhmm, spec)
		if err != nil {
			s.log.Warn("scheduled message skipped", "time", hhmm, "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	s.mu.Lock()
	s.entries = entries
	s.advertGap = time.Duration(cfg.Bot.AdvertIntervalHours * float64(time.Hour))
	s.mu.Unlock()
}

// SetFeedPoller installs the periodic feed check.
func (s *Scheduler) SetFeedPoller(poll func(context.Context)) {
	s.mu.Lock()
	s.pollFeeds = poll
	s.mu.Unlock()
}

// Run drives every periodic loop until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		s.runScheduledMessages,
		s.runAdverts,
		s.runFeedPolls,
		s.runChannelOps,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(f func(context.Context)) {
			defer wg.Done()
			f(ctx)
		}(loop)
	}
	wg.Wait()
}

func (s *Scheduler) runScheduledMessages(ctx context.Context) {
	ticker := time.NewTicker(s.messageTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

// fireDue sends every entry whose HHMM matches the current minute, at most
// once per day.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	current := now.Format("1504")
	today := now.Format("2006-01-02")

	s.mu.Lock()
	var due []scheduleEntry
	for _, e := range s.entries {
		if e.hhmm == current && s.lastFired[e.hhmm] != today {
			s.lastFired[e.hhmm] = today
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		text := s.format(e.text)
		if err := s.sender.SendChannelMessage(ctx, e.channel, text); err != nil {
			s.log.Error("scheduled message failed", "time", e.hhmm, "channel", e.channel, "error", err)
			continue
		}
		s.log.Info("scheduled message sent", "time", e.hhmm, "channel", e.channel)
	}
}

func (s *Scheduler) runAdverts(ctx context.Context) {
	for {
		s.mu.Lock()
		gap := s.advertGap
		s.mu.Unlock()
		if gap <= 0 {
			// Adverts disabled; re-check occasionally in case of reload.
			gap = time.Minute
			select {
			case <-ctx.Done():
				return
			case <-time.After(gap):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(gap):
		}
		if err := s.sender.SendAdvert(ctx); err != nil {
			s.log.Error("periodic advert failed", "error", err)
		} else {
			s.log.Info("periodic advert sent")
		}
	}
}

func (s *Scheduler) runFeedPolls(ctx context.Context) {
	ticker := time.NewTicker(s.feedTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			poll := s.pollFeeds
			s.mu.Unlock()
			if poll != nil {
				poll(ctx)
			}
		}
	}
}

func (s *Scheduler) runChannelOps(ctx context.Context) {
	if s.chanOps == nil {
		return
	}
	ticker := time.NewTicker(s.chanOpsTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainChannelOps(ctx)
		}
	}
}

func (s *Scheduler) drainChannelOps(ctx context.Context) {
	s.mu.Lock()
	apply := s.applyOp
	s.mu.Unlock()
	if apply != nil {
		apply(ctx, s.chanOps)
	}
}

// SetChannelOpWorker installs the function that drains pending channel
// operations against the device.
func (s *Scheduler) SetChannelOpWorker(apply func(context.Context, *persistence.ChanOpsRepo)) {
	s.mu.Lock()
	s.applyOp = apply
	s.mu.Unlock()
}

// parseScheduleEntry validates an "HHMM = channel:text" pair. The time must
// be exactly four digits; "900" is a config mistake, not 09:00.
func parseScheduleEntry(hhmm, spec string) (scheduleEntry, error) {
	if len(hhmm) != 4 {
		return scheduleEntry{}, fmt.Errorf("time %q must be exactly 4 digits (HHMM)", hhmm)
	}
	for _, r := range hhmm {
		if r < '0' || r > '9' {
			return scheduleEntry{}, fmt.Errorf("time %q must be exactly 4 digits (HHMM)", hhmm)
		}
	}
	hour := (int(hhmm[0])-'0')*10 + int(hhmm[1]) - '0'
	minute := (int(hhmm[2])-'0')*10 + int(hhmm[3]) - '0'
	if hour > 23 || minute > 59 {
		return scheduleEntry{}, fmt.Errorf("time %q out of range", hhmm)
	}

	channel, text, found := strings.Cut(spec, ":")
	if !found || strings.TrimSpace(channel) == "" || strings.TrimSpace(text) == "" {
		return scheduleEntry{}, fmt.Errorf("entry %q must be channel:text", spec)
	}
	return scheduleEntry{
		hhmm:    hhmm,
		channel: strings.TrimSpace(channel),
		text:    strings.TrimSpace(text),
	}, nil
}
