// Package ratelimit implements a sliding window request limiter that blocks an
// identifier for a cool-down period once it exceeds its window allowance.
package ratelimit

import (
	"context"
	"time"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/rs/zerolog/log"
)

// Deny reasons.
const (
	ReasonBlocked  = "blocked"
	ReasonExceeded = "rate limit exceeded"
)

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	ResetIn   time.Duration
	Reason    string
	Remaining int
}

// Entry is the per identifier window state.
type Entry struct {
	Count      int
	ResetAt    time.Time
	Blocked    bool
	BlockUntil time.Time
}

// Store applies one request against an identifier's window atomically.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, cfg config.LimitConfig) (Result, error)
}

// Limiter guards one endpoint class.
type Limiter struct {
	class string
	cfg   config.LimitConfig
	store Store
	now   func() time.Time
}

func New(class string, cfg config.LimitConfig, store Store) *Limiter {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 2 * cfg.Window
	}
	return &Limiter{class: class, cfg: cfg, store: store, now: time.Now}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Class returns the endpoint class name.
func (l *Limiter) Class() string {
	return l.class
}

// Check counts one request from id.
func (l *Limiter) Check(ctx context.Context, id string) (Result, error) {
	res, err := l.store.Hit(ctx, l.class+":"+id, l.now(), l.cfg)
	if err != nil {
		return Result{}, err
	}
	if !res.Allowed {
		log.Debug().
			Str("component", "rate_limiter").
			Str("class", l.class).
			Str("id", id).
			Str("reason", res.Reason).
			Dur("reset_in", res.ResetIn).
			Msg("request denied")
	}
	return res, nil
}

// apply advances e for one request at now. A nil entry starts a new window.
func apply(e *Entry, now time.Time, cfg config.LimitConfig) (*Entry, Result) {
	if e != nil && e.Blocked && now.Before(e.BlockUntil) {
		return e, Result{Reason: ReasonBlocked, ResetIn: e.BlockUntil.Sub(now)}
	}

	if e == nil || e.Blocked || !now.Before(e.ResetAt) {
		e = &Entry{Count: 1, ResetAt: now.Add(cfg.Window)}
		return e, Result{Allowed: true, ResetIn: cfg.Window, Remaining: cfg.MaxRequests - 1}
	}

	e.Count++
	if e.Count > cfg.MaxRequests {
		e.Blocked = true
		e.BlockUntil = now.Add(cfg.BlockDuration)
		return e, Result{Reason: ReasonExceeded, ResetIn: cfg.BlockDuration}
	}
	return e, Result{Allowed: true, ResetIn: e.ResetAt.Sub(now), Remaining: cfg.MaxRequests - e.Count}
}

// expired reports whether e can be dropped by a sweep.
func (e *Entry) expired(now time.Time) bool {
	if e.Blocked && now.Before(e.BlockUntil) {
		return false
	}
	return !now.Before(e.ResetAt)
}
