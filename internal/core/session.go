package core

import (
	"context"
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"exchange/internal/schema"
)

// Schedule is a daily trading window. Open and Close are offsets from local midnight.
// Equal offsets mean the market never closes.
type Schedule struct {
	Open     time.Duration
	Close    time.Duration
	Location *time.Location
}

// ParseClock parses "15:04" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse session time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Always reports whether the schedule has no closed period.
func (s Schedule) Always() bool {
	return s.Open == s.Close
}

// InSession reports whether t falls inside the trading window. Windows may wrap midnight.
func (s Schedule) InSession(t time.Time) bool {
	if s.Always() {
		return true
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	y, m, d := t.Date()
	offset := t.Sub(time.Date(y, m, d, 0, 0, 0, 0, loc))
	if s.Open < s.Close {
		return offset >= s.Open && offset < s.Close
	}
	return offset >= s.Open || offset < s.Close
}

// Session opens and closes instruments on the schedule. At close every shard expires its day orders.
type Session struct {
	schedule Schedule
	router   *Router
	registry *schema.Registry
	now      func() time.Time

	known bool
	open  bool
}

// NewSession creates a scheduler. A nil clock uses time.Now.
func NewSession(schedule Schedule, router *Router, registry *schema.Registry, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{schedule: schedule, router: router, registry: registry, now: now}
}

// Open reports the last observed session state.
func (s *Session) Open() bool {
	return s.open
}

// Step applies the session state for t. Only transitions act; the first call always does.
func (s *Session) Step(ctx context.Context, t time.Time) error {
	open := s.schedule.InSession(t)
	if s.known && open == s.open {
		return nil
	}
	s.known = true
	s.open = open

	if open {
		for _, inst := range s.registry.Instruments() {
			if inst.Status() == schema.TradingStatusClosed {
				s.registry.SetStatus(inst.ID, schema.TradingStatusOpen)
			}
		}
		logs.Infof("session open at %s", t.Format(time.RFC3339))
		return nil
	}

	expired := 0
	for _, inst := range s.registry.Instruments() {
		if inst.Status() == schema.TradingStatusOpen {
			s.registry.SetStatus(inst.ID, schema.TradingStatusClosed)
		}
		n, err := s.router.Expire(ctx, inst.ID)
		if err != nil {
			return fmt.Errorf("expire instrument %d: %w", inst.ID, err)
		}
		expired += n
	}
	logs.Infof("session closed at %s, expired %d day orders", t.Format(time.RFC3339), expired)
	return nil
}

// Run steps the scheduler every interval until ctx is done.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	if err := s.Step(ctx, s.now()); err != nil {
		logs.Errorf("session step, err: %+v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Step(ctx, s.now()); err != nil {
				logs.Errorf("session step, err: %+v", err)
			}
		}
	}
}
