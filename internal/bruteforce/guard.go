package bruteforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credguard/internal/config"
	"credguard/internal/models"
	"credguard/internal/util"

	"go.uber.org/zap"
)

var ErrStoreUnavailable = errors.New("attempt store unavailable")

// AttemptStore is the failed-attempt log. Entries older than the window are
// inert; stores may prune them lazily.
type AttemptStore interface {
	CountSince(ctx context.Context, sourceID string, windowStart time.Time) (int, error)
	Append(ctx context.Context, attempt models.FailedAttempt) error
	DeleteAll(ctx context.Context, sourceID string) error
}

// OldestReporter is implemented by stores that can report the oldest
// in-window failure, which sharpens the retry-after hint.
type OldestReporter interface {
	OldestSince(ctx context.Context, sourceID string, windowStart time.Time) (time.Time, bool, error)
}

// SourceID identifies who is attempting. Email is only set when the guard
// refines by email. Credential keys re-verification of a signed-in account
// and takes precedence over the network fields.
type SourceID struct {
	IP         string
	Email      string
	Credential string
}

func (s SourceID) Key() string {
	if s.Credential != "" {
		return "credential:" + s.Credential
	}
	if s.Email == "" {
		return s.IP
	}
	return s.IP + "|" + s.Email
}

func (s SourceID) String() string {
	return s.Key()
}

type Config struct {
	Window        time.Duration
	MaxFailures   int
	FailClosed    bool
	RefineByEmail bool
}

func DefaultConfig() Config {
	return Config{
		Window:      15 * time.Minute,
		MaxFailures: 5,
		FailClosed:  true,
	}
}

func ConfigFromConfig(cfg *config.Config) Config {
	return Config{
		Window:        cfg.BruteForce.Window,
		MaxFailures:   cfg.BruteForce.MaxFailures,
		FailClosed:    cfg.BruteForce.FailClosed,
		RefineByEmail: cfg.BruteForce.RefineByEmail,
	}
}

type Admission struct {
	Admitted     bool             `json:"admitted"`
	CurrentCount int              `json:"current_count"`
	State        models.LockState `json:"state"`
	RetryAfter   time.Duration    `json:"-"`
}

type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// Guard holds no per-source state; everything lives in the store.
type Guard struct {
	store  AttemptStore
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewGuard(store AttemptStore, cfg Config, logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Config() Config {
	return g.cfg
}

// Source normalises an IP and attaches the email when refining.
func (g *Guard) Source(ip, email string) SourceID {
	src := SourceID{IP: util.NormalizeIP(ip)}
	if g.cfg.RefineByEmail {
		src.Email = util.NormalizeEmail(email)
	}
	return src
}

// ForCredential keys attempts on an account rather than a client, for
// password re-verification behind an authenticated session.
func (g *Guard) ForCredential(credentialID string) SourceID {
	return SourceID{Credential: credentialID}
}

// State derives the lock state from an in-window count.
func (g *Guard) State(count int) models.LockState {
	switch {
	case count <= 0:
		return models.LockStateClear
	case count > g.cfg.MaxFailures:
		return models.LockStateLocked
	default:
		return models.LockStateAccumulating
	}
}

// CheckAdmission must complete before any password verification runs.
func (g *Guard) CheckAdmission(ctx context.Context, src SourceID) (Admission, error) {
	now := g.now()
	windowStart := now.Add(-g.cfg.Window)

	count, err := g.store.CountSince(ctx, src.Key(), windowStart)
	if err != nil {
		if g.cfg.FailClosed {
			g.logger.Error("Attempt store unavailable, denying admission",
				zap.String("source", src.Key()),
				zap.Error(err),
			)
			return Admission{Admitted: false, State: models.LockStateLocked, RetryAfter: g.cfg.Window},
				fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		g.logger.Warn("Attempt store unavailable, admitting (fail-open)",
			zap.String("source", src.Key()),
			zap.Error(err),
		)
		return Admission{Admitted: true, State: models.LockStateClear}, nil
	}

	adm := Admission{
		Admitted:     count <= g.cfg.MaxFailures,
		CurrentCount: count,
		State:        g.State(count),
	}
	if !adm.Admitted {
		adm.RetryAfter = g.retryAfter(ctx, src, windowStart, now)
		g.logger.Info("Admission denied",
			zap.String("source", src.Key()),
			zap.Int("count", count),
			zap.Duration("retry_after", adm.RetryAfter),
		)
	}

	return adm, nil
}

func (g *Guard) retryAfter(ctx context.Context, src SourceID, windowStart, now time.Time) time.Duration {
	reporter, ok := g.store.(OldestReporter)
	if !ok {
		return g.cfg.Window
	}

	oldest, found, err := reporter.OldestSince(ctx, src.Key(), windowStart)
	if err != nil || !found {
		return g.cfg.Window
	}

	wait := oldest.Add(g.cfg.Window).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait.Truncate(time.Second)
}

// RecordFailure appends one entry. Call it only after a confirmed failed
// verification. Store errors are logged, never returned: the decision has
// already been made.
func (g *Guard) RecordFailure(ctx context.Context, src SourceID, email string) {
	attempt := models.FailedAttempt{
		SourceID:  src.Key(),
		IPAddress: src.IP,
		Email:     util.NormalizeEmail(email),
		AttemptAt: g.now(),
	}

	if err := g.store.Append(ctx, attempt); err != nil {
		g.logger.Error("Failed to record failed attempt",
			zap.String("source", src.Key()),
			zap.Error(err),
		)
		return
	}

	g.logger.Debug("Failed attempt recorded", zap.String("source", src.Key()))
}

// Clear purges the source's log after a successful verification. Like
// RecordFailure, store errors are logged: stale entries only age out.
func (g *Guard) Clear(ctx context.Context, src SourceID) {
	if err := g.store.DeleteAll(ctx, src.Key()); err != nil {
		g.logger.Warn("Failed to clear failed attempts",
			zap.String("source", src.Key()),
			zap.Error(err),
		)
		return
	}
	g.logger.Debug("Failed attempts cleared", zap.String("source", src.Key()))
}
