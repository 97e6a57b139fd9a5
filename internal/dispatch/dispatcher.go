// Package dispatch gates synthesis requests: it validates them, applies the
// per-client quota and per-profile serialization, paces the backend, and
// accounts usage on success.
package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/profilestore"
	"github.com/book-expert/voice-profile-service/internal/ratelimit"
)

// OperationSynthesize is the rate-limit operation class for synthesis calls.
const OperationSynthesize = "synthesize"

// Busy policies for a profile whose lock is held.
const (
	BusyPolicyQueue = "queue"
	BusyPolicyFail  = "fail"
)

// Config holds the dispatcher knobs.
type Config struct {
	// MaxTextLength bounds the synthesis text. Default 5000.
	MaxTextLength int
	// SupportedLanguages whitelists language codes. Empty allows only the
	// defaults.
	SupportedLanguages []string
	// Timeout is the wall-clock budget for one synthesis call. Default 2m.
	Timeout time.Duration
	// BusyPolicy selects queueing or fail-fast when a profile is in use.
	// Default queue.
	BusyPolicy string
	// QueueWait bounds how long a queued request waits for the profile
	// lock. Default 30s.
	QueueWait time.Duration
	// BackendRPS paces aggregate calls to the synthesis backend. Zero
	// disables pacing.
	BackendRPS float64
	// BackendBurst is the pacing burst size. Default 1 when pacing is on.
	BackendBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxTextLength == 0 {
		c.MaxTextLength = 5000
	}

	if len(c.SupportedLanguages) == 0 {
		c.SupportedLanguages = []string{"en", "es", "fr", "de", "it", "pt", "pl", "zh", "ja", "ko"}
	}

	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}

	if c.BusyPolicy == "" {
		c.BusyPolicy = BusyPolicyQueue
	}

	if c.QueueWait == 0 {
		c.QueueWait = 30 * time.Second
	}

	if c.BackendRPS > 0 && c.BackendBurst == 0 {
		c.BackendBurst = 1
	}

	return c
}

// Result is one successful synthesis.
type Result struct {
	OutputKey string
	ByteCount int
}

// Stats are the dispatcher's aggregate counters.
type Stats struct {
	TotalRequests      int64 `json:"total_requests"`
	ActiveRequests     int64 `json:"active_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	ActiveProfileLocks int   `json:"active_profile_locks"`
}

// Dispatcher serializes synthesis per profile and paces the shared backend.
// Usage counts increment exactly once per successful synthesis, under the
// profile store's lock.
type Dispatcher struct {
	cfg      Config
	profiles *profilestore.Store
	limiter  *ratelimit.Limiter
	backend  core.SpeechSynthesizer
	pacer    *rate.Limiter
	log      *logger.Logger

	mu    sync.Mutex
	locks map[string]*profileLock

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	failedRequests atomic.Int64
}

// New creates a dispatcher. A nil pacer is substituted when BackendRPS is 0.
func New(
	cfg Config,
	profiles *profilestore.Store,
	limiter *ratelimit.Limiter,
	backend core.SpeechSynthesizer,
	log *logger.Logger,
) *Dispatcher {
	cfg = cfg.withDefaults()

	var pacer *rate.Limiter
	if cfg.BackendRPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.BackendRPS), cfg.BackendBurst)
	}

	return &Dispatcher{
		cfg:      cfg,
		profiles: profiles,
		limiter:  limiter,
		backend:  backend,
		pacer:    pacer,
		log:      log,
		locks:    make(map[string]*profileLock),
	}
}

// UseVoice synthesizes text with the given profile's voice and stores the
// output. Validation failures, quota rejections, and busy profiles fail
// before the backend is touched.
func (d *Dispatcher) UseVoice(
	ctx context.Context, callerID, profileID, text, language string,
) (Result, error) {
	d.totalRequests.Add(1)

	result, err := d.useVoice(ctx, callerID, profileID, text, language)
	if err != nil {
		d.failedRequests.Add(1)

		return Result{}, err
	}

	return result, nil
}

// Stats reports the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	activeLocks := len(d.locks)
	d.mu.Unlock()

	return Stats{
		TotalRequests:      d.totalRequests.Load(),
		ActiveRequests:     d.activeRequests.Load(),
		FailedRequests:     d.failedRequests.Load(),
		ActiveProfileLocks: activeLocks,
	}
}

func (d *Dispatcher) useVoice(
	ctx context.Context, callerID, profileID, text, language string,
) (Result, error) {
	profile, validateErr := d.validate(ctx, profileID, text, language)
	if validateErr != nil {
		return Result{}, validateErr
	}

	verdict := d.limiter.Allow(callerID, OperationSynthesize)
	if !verdict.Allowed {
		return Result{}, core.NewError(
			core.CodeRateLimited,
			"synthesis quota exhausted for client '%s'", callerID,
		).
			WithDetail("retry_after_seconds", verdict.RetryAfter.Seconds()).
			WithSuggestions("retry after the reported delay")
	}

	release, lockErr := d.acquireProfile(ctx, profileID)
	if lockErr != nil {
		return Result{}, lockErr
	}
	defer release()

	d.activeRequests.Add(1)
	defer d.activeRequests.Add(-1)

	synthCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if d.pacer != nil {
		paceErr := d.pacer.Wait(synthCtx)
		if paceErr != nil {
			return Result{}, core.NewError(
				core.CodeSynthesisTimeout,
				"synthesis timed out waiting for backend capacity",
			)
		}
	}

	reference, refErr := d.profiles.GetReferenceAudio(synthCtx, profile.ReferenceKey)
	if refErr != nil {
		return Result{}, fmt.Errorf("failed to load reference audio for profile '%s': %w", profileID, refErr)
	}

	audio, synthErr := d.backend.Synthesize(synthCtx, core.SynthesisRequest{
		Text:           text,
		Language:       language,
		ReferenceAudio: reference,
	})
	if synthErr != nil {
		if synthCtx.Err() != nil {
			return Result{}, core.NewError(
				core.CodeSynthesisTimeout,
				"synthesis exceeded the %s budget", d.cfg.Timeout,
			)
		}

		return Result{}, core.NewError(
			core.CodeSynthesisBackendError,
			"synthesis backend failed: %v", synthErr,
		)
	}

	outputKey, storeErr := d.profiles.PutSynthesisOutput(ctx, profileID, uuid.NewString(), audio)
	if storeErr != nil {
		return Result{}, storeErr
	}

	usageErr := d.profiles.UpdateUsage(ctx, profileID)
	if usageErr != nil {
		d.log.Warn("Failed to account usage for profile %s: %v", profileID, usageErr)
	}

	d.log.Info("Synthesized %d bytes with profile %s for client %s", len(audio), profileID, callerID)

	return Result{OutputKey: outputKey, ByteCount: len(audio)}, nil
}

func (d *Dispatcher) validate(
	ctx context.Context, profileID, text, language string,
) (core.VoiceProfile, error) {
	profile, getErr := d.profiles.Get(ctx, profileID)
	if getErr != nil {
		return core.VoiceProfile{}, getErr
	}

	if profile.State != core.ProfileReady {
		return core.VoiceProfile{}, core.NewError(
			core.CodeProfileNotReady,
			"profile '%s' is %s and cannot synthesize", profileID, profile.State,
		)
	}

	if text == "" {
		return core.VoiceProfile{}, core.NewError(core.CodeValidation, "synthesis text is required")
	}

	if len(text) > d.cfg.MaxTextLength {
		return core.VoiceProfile{}, core.NewError(
			core.CodeTextTooLong,
			"text length %d exceeds the limit of %d", len(text), d.cfg.MaxTextLength,
		).WithDetail("max_text_length", d.cfg.MaxTextLength)
	}

	if !slices.Contains(d.cfg.SupportedLanguages, language) {
		return core.VoiceProfile{}, core.NewError(
			core.CodeUnsupportedLanguage,
			"language '%s' is not supported", language,
		).WithDetail("supported_languages", d.cfg.SupportedLanguages)
	}

	return profile, nil
}

// profileLock is one profile's serialization slot plus the number of
// goroutines holding or waiting on it. The map entry is evicted when the
// count drops to zero so the lock map only carries in-flight profiles.
type profileLock struct {
	slot chan struct{}
	refs int
}

// acquireProfile takes the per-profile lock. Under the queue policy the
// caller waits up to QueueWait; under fail-fast a held lock rejects
// immediately.
func (d *Dispatcher) acquireProfile(ctx context.Context, profileID string) (func(), error) {
	d.mu.Lock()

	lock, ok := d.locks[profileID]
	if !ok {
		lock = &profileLock{slot: make(chan struct{}, 1), refs: 0}
		d.locks[profileID] = lock
	}

	lock.refs++
	d.mu.Unlock()

	release := func() {
		<-lock.slot
		d.unref(profileID, lock)
	}

	select {
	case lock.slot <- struct{}{}:
		return release, nil
	default:
	}

	if d.cfg.BusyPolicy == BusyPolicyFail {
		d.unref(profileID, lock)

		return nil, busyError(profileID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.QueueWait)
	defer cancel()

	select {
	case lock.slot <- struct{}{}:
		return release, nil
	case <-waitCtx.Done():
		d.unref(profileID, lock)

		return nil, busyError(profileID)
	}
}

func (d *Dispatcher) unref(profileID string, lock *profileLock) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(d.locks, profileID)
	}
}

func busyError(profileID string) error {
	return core.NewError(
		core.CodeProfileBusy,
		"profile '%s' is currently in use", profileID,
	).WithSuggestions("retry once the active synthesis completes")
}
