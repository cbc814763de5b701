package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Service is a supervised background component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	IsHealthy() bool
}

const healthPollInterval = 30 * time.Second

// Supervisor polls service health and restarts failed services with a
// backoff between attempts.
type Supervisor struct {
	log      *slog.Logger
	backoff  time.Duration
	poll     time.Duration
	services []Service

	mu          sync.Mutex
	lastRestart map[string]time.Time
}

func NewSupervisor(log *slog.Logger, backoff time.Duration, services ...Service) *Supervisor {
	if backoff <= 0 {
		backoff = 5 * time.Minute
	}
	return &Supervisor{
		log:         log,
		backoff:     backoff,
		poll:        healthPollInterval,
		services:    services,
		lastRestart: map[string]time.Time{},
	}
}

// StartAll starts every service once.
func (s *Supervisor) StartAll(ctx context.Context) {
	for _, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			s.log.Error("service start failed", "service", svc.Name(), "error", err)
		}
	}
}

// StopAll stops services in reverse start order.
func (s *Supervisor) StopAll() {
	for i := len(s.services) - 1; i >= 0; i-- {
		svc := s.services[i]
		if err := svc.Stop(); err != nil {
			s.log.Warn("service stop failed", "service", svc.Name(), "error", err)
		}
	}
}

// Run polls health until ctx ends.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

// checkOnce restarts unhealthy services. Each restart runs in its own
// goroutine so a slow Stop or Start never holds up the poll loop; the
// backoff stamp is taken before launch, so the next poll skips a service
// whose restart is still in flight.
func (s *Supervisor) checkOnce(ctx context.Context) {
	for _, svc := range s.services {
		if svc.IsHealthy() {
			continue
		}
		if !s.restartDue(svc.Name()) {
			continue
		}
		s.log.Warn("service unhealthy, restarting", "service", svc.Name())
		go func(svc Service) {
			if err := svc.Stop(); err != nil {
				s.log.Warn("service stop failed during restart", "service", svc.Name(), "error", err)
			}
			if err := svc.Start(ctx); err != nil {
				s.log.Error("service restart failed", "service", svc.Name(), "error", err)
			}
		}(svc)
	}
}

// restartDue enforces the backoff between restart attempts per service.
func (s *Supervisor) restartDue(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastRestart[name]; ok && time.Since(last) < s.backoff {
		return false
	}
	s.lastRestart[name] = time.Now()
	return true
}
