package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/config"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	adverts  int
}

func (f *fakeSender) SendChannelMessage(_ context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, channel+"|"+text)
	return nil
}

func (f *fakeSender) SendAdvert(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adverts++
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	body := `[Connection]
type = serial

[Bot]
name = TestBot

[Channels]
monitor_channels = LongFast
` + extra
	path := filepath.Join(t.TempDir(), "bot.ini")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestParseScheduleEntryStrictHHMM(t *testing.T) {
	if _, err := parseScheduleEntry("0900", "LongFast:Good morning"); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}
	bad := []string{"900", "09000", "09:0", "24h0", "2460", "0960"}
	for _, hhmm := range bad {
		if _, err := parseScheduleEntry(hhmm, "LongFast:hi"); err == nil {
			t.Fatalf("invalid time %q accepted", hhmm)
		}
	}
	if _, err := parseScheduleEntry("0900", "no-separator"); err == nil {
		t.Fatal("entry without channel:text accepted")
	}
	if _, err := parseScheduleEntry("0900", "LongFast:"); err == nil {
		t.Fatal("empty text accepted")
	}
}

func TestFireDueSendsOncePerDay(t *testing.T) {
	cfg := loadConfig(t, "[Scheduled_Messages]\n0900 = LongFast:Net check-in at {phrase}\n")
	sender := &fakeSender{}
	var formatted []string
	s := New(slog.New(slog.DiscardHandler), cfg, sender, nil, func(text string) string {
		formatted = append(formatted, text)
		return "formatted"
	})

	at := time.Date(2026, 8, 24, 9, 0, 10, 0, time.Local)
	s.fireDue(context.Background(), at)
	s.fireDue(context.Background(), at.Add(15*time.Second)) // same minute
	if got := sender.sent(); len(got) != 1 || got[0] != "LongFast|formatted" {
		t.Fatalf("unexpected sends: %v", got)
	}
	if len(formatted) != 1 || formatted[0] != "Net check-in at {phrase}" {
		t.Fatalf("formatter not applied to raw text: %v", formatted)
	}

	// Next day fires again.
	s.fireDue(context.Background(), at.Add(24*time.Hour))
	if got := sender.sent(); len(got) != 2 {
		t.Fatalf("next-day fire missing: %v", got)
	}
	// Non-matching minute is silent.
	s.fireDue(context.Background(), at.Add(48*time.Hour+time.Minute))
	if got := sender.sent(); len(got) != 2 {
		t.Fatalf("wrong minute fired: %v", got)
	}
}

func TestInvalidScheduleEntriesSkipped(t *testing.T) {
	cfg := loadConfig(t, "[Scheduled_Messages]\n900 = LongFast:bad\n0900 = LongFast:good\n")
	s := New(slog.New(slog.DiscardHandler), cfg, &fakeSender{}, nil, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) != 1 || s.entries[0].hhmm != "0900" {
		t.Fatalf("entries wrong: %+v", s.entries)
	}
}

func TestAdvertLoopHonorsInterval(t *testing.T) {
	cfg := loadConfig(t, "")
	cfg.Bot.AdvertIntervalHours = float64(80*time.Millisecond) / float64(time.Hour)
	sender := &fakeSender{}
	s := New(slog.New(slog.DiscardHandler), cfg, sender, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	s.runAdverts(ctx)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.adverts < 2 {
		t.Fatalf("expected periodic adverts, got %d", sender.adverts)
	}
}

type flappingService struct {
	mu      sync.Mutex
	name    string
	healthy bool
	starts  int
	stops   int
}

func (f *flappingService) Name() string { return f.name }

func (f *flappingService) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.healthy = true
	return nil
}

func (f *flappingService) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *flappingService) IsHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *flappingService) fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = false
}

func TestSupervisorRestartsUnhealthyService(t *testing.T) {
	svc := &flappingService{name: "feeds"}
	sup := NewSupervisor(slog.New(slog.DiscardHandler), time.Hour, svc)
	ctx := context.Background()

	sup.StartAll(ctx)
	svc.fail()
	sup.checkOnce(ctx)

	// The restart runs off the poll loop, so wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		svc.mu.Lock()
		starts, stops := svc.starts, svc.stops
		svc.mu.Unlock()
		if starts == 2 && stops == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("restart sequence wrong: starts=%d stops=%d", starts, stops)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second failure inside the backoff window is left alone.
	svc.fail()
	sup.checkOnce(ctx)
	time.Sleep(50 * time.Millisecond)
	svc.mu.Lock()
	starts := svc.starts
	svc.mu.Unlock()
	if starts != 2 {
		t.Fatalf("backoff not honored: starts=%d", starts)
	}
}

type stuckService struct {
	flappingService
	release chan struct{}
}

func (s *stuckService) Stop() error {
	<-s.release
	return s.flappingService.Stop()
}

func TestSupervisorPollNotBlockedByRestart(t *testing.T) {
	svc := &stuckService{
		flappingService: flappingService{name: "feeds"},
		release:         make(chan struct{}),
	}
	sup := NewSupervisor(slog.New(slog.DiscardHandler), time.Hour, svc)
	ctx := context.Background()

	svc.fail()
	done := make(chan struct{})
	go func() {
		sup.checkOnce(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll iteration blocked on a hung restart")
	}
	close(svc.release)
}

func TestSupervisorStopsInReverseOrder(t *testing.T) {
	var order []string
	mk := func(name string) Service {
		return &orderedService{name: name, order: &order}
	}
	sup := NewSupervisor(slog.New(slog.DiscardHandler), time.Hour, mk("a"), mk("b"))
	sup.StopAll()
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("stop order wrong: %v", order)
	}
}

type orderedService struct {
	name  string
	order *[]string
}

func (o *orderedService) Name() string                { return o.name }
func (o *orderedService) Start(context.Context) error { return nil }
func (o *orderedService) IsHealthy() bool             { return true }

func (o *orderedService) Stop() error {
	*o.order = append(*o.order, o.name)
	return nil
}
