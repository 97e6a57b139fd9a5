// Package maintenance runs the periodic background sweep: idle recording
// sessions are abandoned, stale rate-limit buckets are evicted, and aged
// synthesis outputs are deleted. Every sweep action is best-effort; failures
// are logged and the next tick retries.
package maintenance

import (
	"context"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-profile-service/internal/profilestore"
	"github.com/book-expert/voice-profile-service/internal/ratelimit"
	"github.com/book-expert/voice-profile-service/internal/session"
)

// Config holds the sweep cadence and retention windows.
type Config struct {
	// Interval between sweeps. Default 5m.
	Interval time.Duration
	// OutputRetention is how long synthesis outputs are kept. Default 24h.
	OutputRetention time.Duration
	// BucketRetention is how long idle rate-limit buckets are kept.
	// Default 1h.
	BucketRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}

	if c.OutputRetention == 0 {
		c.OutputRetention = 24 * time.Hour
	}

	if c.BucketRetention == 0 {
		c.BucketRetention = time.Hour
	}

	return c
}

// Sweeper drives the periodic cleanup loop.
type Sweeper struct {
	cfg      Config
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	profiles *profilestore.Store
	log      *logger.Logger
}

// New creates a sweeper.
func New(
	cfg Config,
	sessions *session.Manager,
	limiter *ratelimit.Limiter,
	profiles *profilestore.Store,
	log *logger.Logger,
) *Sweeper {
	return &Sweeper{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		limiter:  limiter,
		profiles: profiles,
		log:      log,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("Maintenance sweep running every %s", s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Maintenance sweep stopped")

			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired := s.sessions.ExpireIdle(ctx, now.Add(-s.sessions.InactivityTimeout()))
	if expired > 0 {
		s.log.Info("Expired %d idle recording sessions", expired)
	}

	evicted := s.limiter.EvictIdle(now.Add(-s.cfg.BucketRetention))
	if evicted > 0 {
		s.log.Info("Evicted %d stale rate-limit buckets", evicted)
	}

	s.sweepOutputs(ctx, now.Add(-s.cfg.OutputRetention))
}

// sweepOutputs deletes synthesis outputs older than the cutoff across all
// ready profiles.
func (s *Sweeper) sweepOutputs(ctx context.Context, cutoff time.Time) {
	var deleted int

	for _, profile := range s.profiles.ReadyProfiles(ctx) {
		infos, listErr := s.profiles.ListSynthesisOutputs(ctx, profile.ID)
		if listErr != nil {
			s.log.Warn("Failed to list outputs for profile %s: %v", profile.ID, listErr)

			continue
		}

		for _, info := range infos {
			if !info.ModTime.Before(cutoff) {
				continue
			}

			deleteErr := s.profiles.DeleteObject(ctx, info.Key)
			if deleteErr != nil {
				s.log.Warn("Failed to delete aged output '%s': %v", info.Key, deleteErr)

				continue
			}

			deleted++
		}
	}

	if deleted > 0 {
		s.log.Info("Deleted %d aged synthesis outputs", deleted)
	}
}
