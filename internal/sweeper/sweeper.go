// Package sweeper periodically re-evaluates device liveness so devices that
// stop sending heartbeats are flipped offline without anyone reading their
// status. The lazy check in device.Manager.Status stays authoritative.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type StatusSweeper interface {
	SweepStatuses(ctx context.Context) (int, error)
}

type Sweeper struct {
	target   StatusSweeper
	cron     *cron.Cron
	schedule string
}

// New accepts standard five-field cron expressions and descriptors such as "@every 1m".
func New(target StatusSweeper, schedule string) (*Sweeper, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s := &Sweeper{target: target, cron: c, schedule: schedule}
	if _, err := c.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	slog.Info("offline sweep scheduled", "cron", s.schedule)
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.target.SweepStatuses(ctx)
	if err != nil {
		slog.Warn("offline sweep failed", "flipped", n, "error", err)
		return n
	}
	if n > 0 {
		slog.Info("offline sweep", "flipped", n)
	}
	return n
}
