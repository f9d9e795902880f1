// Package usage enforces the daily question allowance.
package usage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
)

// Unlimited as a limit disables the allowance.
const Unlimited = -1

const dateLayout = "2006-01-02"

// State is the persisted counter for one day.
type State struct {
	Count     int    `yaml:"count" json:"count"`
	Date      string `yaml:"date" json:"date"` // YYYY-MM-DD, local time
	IsPremium bool   `yaml:"is_premium" json:"isPremium"`
}

// Result of an allowance check. Remaining is -1 when unlimited.
type Result struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	IsPremium bool `json:"isPremium"`
}

// Message is the user-facing denial text.
func (r Result) Message() string {
	return fmt.Sprintf("오늘의 무료 사용 횟수(%d회)를 모두 사용했습니다. 내일 다시 이용해 주세요.", r.Limit)
}

// Err returns a USAGE_LIMIT error carrying Message.
func (r Result) Err() *apperrors.AppError {
	return apperrors.Newf(apperrors.CodeUsageLimit, "daily limit of %d reached", r.Limit).
		WithUserMessage(r.Message()).
		WithMetadata("limit", fmt.Sprint(r.Limit))
}

// Config holds the per-tier daily limits.
type Config struct {
	FreeLimit    int
	PremiumLimit int
}

// Store persists State.
type Store interface {
	// Load returns the saved state, or ok=false when nothing was saved yet.
	Load() (s State, ok bool, err error)
	Save(s State) error
}

// Limiter tracks today's usage.
type Limiter struct {
	cfg   Config
	store Store
	now   func() time.Time

	mu    sync.Mutex
	state State
}

// NewLimiter loads saved state from store.
func NewLimiter(cfg Config, store Store) (*Limiter, error) {
	return newLimiter(cfg, store, time.Now)
}

func newLimiter(cfg Config, store Store, now func() time.Time) (*Limiter, error) {
	l := &Limiter{cfg: cfg, store: store, now: now}

	saved, ok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading usage state: %w", err)
	}
	if !ok {
		saved = State{Date: l.today()}
	}
	l.state = resetIfNewDay(saved, l.today())
	return l, nil
}

func (l *Limiter) today() string {
	return l.now().Format(dateLayout)
}

// CanUse reports whether another exchange is allowed today.
func (l *Limiter) CanUse() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return check(resetIfNewDay(l.state, l.today()), l.cfg)
}

// Record counts one exchange and persists the result.
func (l *Limiter) Record() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := resetIfNewDay(l.state, l.today())
	next.Count++
	if err := l.store.Save(next); err != nil {
		return fmt.Errorf("saving usage state: %w", err)
	}
	l.state = next
	slog.Debug("usage recorded", "count", next.Count, "date", next.Date)
	return nil
}

// SetPremium switches tiers and persists the result.
func (l *Limiter) SetPremium(premium bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state
	next.IsPremium = premium
	if err := l.store.Save(next); err != nil {
		return fmt.Errorf("saving usage state: %w", err)
	}
	l.state = next
	return nil
}

// State returns today's counter.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return resetIfNewDay(l.state, l.today())
}

func resetIfNewDay(s State, today string) State {
	if s.Date != today {
		s.Count = 0
		s.Date = today
	}
	return s
}

func check(s State, cfg Config) Result {
	limit := cfg.FreeLimit
	if s.IsPremium {
		limit = cfg.PremiumLimit
	}
	if limit == Unlimited {
		return Result{Allowed: true, Remaining: Unlimited, Limit: limit, IsPremium: s.IsPremium}
	}
	return Result{
		Allowed:   s.Count < limit,
		Remaining: max(0, limit-s.Count),
		Limit:     limit,
		IsPremium: s.IsPremium,
	}
}
