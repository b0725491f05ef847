// Package scheduler submits catalog commands on a fixed interval.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/cmdq/internal/config"
	"github.com/mattjoyce/cmdq/internal/dispatch"
	"github.com/mattjoyce/cmdq/internal/events"
)

// Schedule is one periodic submission.
type Schedule struct {
	Name    string
	Command string
	Args    json.RawMessage
	Every   time.Duration
	Jitter  time.Duration
}

// FromConfig converts configured schedules, sorted by name.
func FromConfig(scs []config.ScheduleConfig) ([]Schedule, error) {
	out := make([]Schedule, 0, len(scs))
	for _, sc := range scs {
		every, err := config.ParseInterval(sc.Every)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		var args json.RawMessage
		if len(sc.Args) > 0 {
			if args, err = json.Marshal(sc.Args); err != nil {
				return nil, fmt.Errorf("schedule %q: encode args: %w", sc.Name, err)
			}
		}
		out = append(out, Schedule{
			Name:    sc.Name,
			Command: sc.Command,
			Args:    args,
			Every:   every,
			Jitter:  sc.Jitter,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Scheduler fires each schedule once its interval has elapsed. The first
// run of a schedule is one interval after Start, not at Start.
type Scheduler struct {
	schedules []Schedule
	submitter Submitter
	builder   Builder
	events    *events.Hub
	logger    *slog.Logger
	tick      time.Duration
	now       func() time.Time

	next     map[string]time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler that checks schedules every tick.
func New(schedules []Schedule, submitter Submitter, builder Builder, hub *events.Hub, tick time.Duration, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Scheduler{
		schedules: schedules,
		submitter: submitter,
		builder:   builder,
		events:    hub,
		logger:    logger.With("component", "scheduler"),
		tick:      tick,
		now:       time.Now,
		next:      make(map[string]time.Time, len(schedules)),
		stopCh:    make(chan struct{}),
	}
}

// Start arms every schedule and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", "schedules", len(s.schedules), "tick", s.tick)

	s.arm(s.now())

	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop halts the tick loop and waits for it. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runDue()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

func (s *Scheduler) arm(now time.Time) {
	for _, sc := range s.schedules {
		s.next[sc.Name] = now.Add(calculateJitteredInterval(sc.Every, sc.Jitter))
	}
}

// runDue submits every schedule whose next run time has passed. Runs missed
// while the process was busy collapse into one submission.
func (s *Scheduler) runDue() {
	now := s.now()
	for _, sc := range s.schedules {
		if now.Before(s.next[sc.Name]) {
			continue
		}
		s.next[sc.Name] = now.Add(calculateJitteredInterval(sc.Every, sc.Jitter))
		s.fire(sc)
	}
}

func (s *Scheduler) fire(sc Schedule) {
	logger := s.logger.With("schedule", sc.Name, "command", sc.Command)

	cmd, err := s.builder.Build(sc.Command, sc.Args)
	if err != nil {
		logger.Error("Failed to build scheduled command", "error", err)
		s.events.Publish(events.SchedulerSkipped, map[string]string{
			"schedule": sc.Name,
			"reason":   err.Error(),
		})
		return
	}

	id, err := s.submitter.Submit(cmd)
	if err != nil {
		if errors.Is(err, dispatch.ErrStopped) {
			logger.Info("Skipped scheduled command, dispatcher stopping")
		} else {
			logger.Error("Failed to submit scheduled command", "error", err)
		}
		s.events.Publish(events.SchedulerSkipped, map[string]string{
			"schedule": sc.Name,
			"reason":   err.Error(),
		})
		return
	}

	logger.Info("Submitted scheduled command", "command_id", id)
	s.events.Publish(events.SchedulerSubmitted, map[string]string{
		"schedule":   sc.Name,
		"command_id": id,
	})
}

// calculateJitteredInterval adds a random jitter in [0, jitter) to the base
// interval.
func calculateJitteredInterval(baseInterval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + rand.N(jitter)
}
