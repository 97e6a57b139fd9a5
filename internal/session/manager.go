// Package session runs the multi-step recording workflow that produces voice
// profiles. A session owns its profile from creation until the profile is
// ready or the session is abandoned.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/profilestore"
	"github.com/book-expert/voice-profile-service/internal/quality"
)

// Step count bounds for a recording session.
const (
	minTotalSteps = 3
	maxTotalSteps = 20
)

// referenceGapSeconds is the silence inserted between accepted steps when
// building the profile's reference audio.
const referenceGapSeconds = 0.2

// recordingPrompts is the calibration sentence catalog. Sessions longer than
// the catalog cycle through it again.
var recordingPrompts = []string{
	"Hello, this is my voice. I'm recording this sample for voice cloning.",
	"The quick brown fox jumps over the lazy dog near the riverbank.",
	"I love using technology to create amazing experiences for everyone.",
	"My voice is unique and I want to preserve its natural characteristics.",
	"Weather forecast shows sunny skies with temperatures reaching seventy degrees.",
	"Please remember to speak clearly and maintain consistent volume levels.",
	"Artificial intelligence is transforming how we interact with computers.",
	"This voice cloning technology will help me communicate more effectively.",
	"I'm excited to see how accurately this system can replicate my voice.",
	"Thank you for helping me create a digital version of my voice.",
	"Numbers and dates: January first, two thousand twenty-four, at 3:45 PM.",
	"Reading this text helps the system learn my pronunciation patterns.",
	"My voice has its own rhythm, tone, and unique speaking characteristics.",
	"The system analyzes vocal patterns to create an accurate voice model.",
	"This is the final recording sample for my voice profile creation.",
}

// Config holds the session workflow knobs.
type Config struct {
	// DefaultTotalSteps is used when a start request does not specify a
	// step count. Default 10.
	DefaultTotalSteps int
	// InactivityTimeout is how long a session may sit idle before the
	// maintenance sweep abandons it. Default 30m.
	InactivityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTotalSteps == 0 {
		c.DefaultTotalSteps = 10
	}

	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 30 * time.Minute
	}

	return c
}

// StartResult reports a newly created session and its first prompt.
type StartResult struct {
	SessionID  string
	ProfileID  string
	TotalSteps int
	NextPrompt string
}

// StepResult reports an accepted step and overall session progress. When the
// step completes the session, ProfileGrade carries the aggregate grade.
type StepResult struct {
	Score          core.QualityScore
	StepsCompleted int
	TotalSteps     int
	NextPrompt     string
	Completed      bool
	ProfileGrade   core.Grade
}

// Manager tracks active recording sessions in memory. Profile records and
// audio are persisted through the profile store; the session map itself is
// process-local, matching the session's bounded lifetime.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*core.RecordingSession

	cfg      Config
	profiles *profilestore.Store
	scorer   *quality.Scorer
	log      *logger.Logger
}

// NewManager creates a session manager.
func NewManager(cfg Config, profiles *profilestore.Store, scorer *quality.Scorer, log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*core.RecordingSession),
		cfg:      cfg.withDefaults(),
		profiles: profiles,
		scorer:   scorer,
		log:      log,
	}
}

// InactivityTimeout exposes the configured idle limit for the maintenance
// sweep.
func (m *Manager) InactivityTimeout() time.Duration {
	return m.cfg.InactivityTimeout
}

// Start creates a profile in the recording state and the session that will
// record it. A totalSteps of 0 selects the default; out-of-bounds values are
// rejected.
func (m *Manager) Start(ctx context.Context, ownerID, name, description string, totalSteps int) (StartResult, error) {
	if totalSteps == 0 {
		totalSteps = m.cfg.DefaultTotalSteps
	}

	if totalSteps < minTotalSteps || totalSteps > maxTotalSteps {
		return StartResult{}, core.NewError(
			core.CodeInvalidConfiguration,
			"total steps must be between %d and %d, got %d", minTotalSteps, maxTotalSteps, totalSteps,
		)
	}

	if name == "" {
		return StartResult{}, core.NewError(core.CodeValidation, "profile name is required")
	}

	now := time.Now().UTC()
	profile := core.VoiceProfile{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Name:         name,
		Description:  description,
		State:        core.ProfileRecording,
		Grade:        "",
		UsageCount:   0,
		CreatedAt:    now,
		LastUsedAt:   time.Time{},
		ReferenceKey: "",
	}

	createErr := m.profiles.Create(ctx, profile)
	if createErr != nil {
		return StartResult{}, fmt.Errorf("failed to create profile for session: %w", createErr)
	}

	prompts := make([]string, totalSteps)
	for i := range totalSteps {
		prompts[i] = recordingPrompts[i%len(recordingPrompts)]
	}

	recordingSession := &core.RecordingSession{
		ID:             uuid.NewString(),
		ProfileID:      profile.ID,
		Prompts:        prompts,
		Steps:          make(map[int]core.RecordingStep),
		TotalSteps:     totalSteps,
		State:          core.SessionCreated,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[recordingSession.ID] = recordingSession
	m.mu.Unlock()

	m.log.Info("Started recording session %s for profile %s (%d steps)",
		recordingSession.ID, profile.ID, totalSteps)

	return StartResult{
		SessionID:  recordingSession.ID,
		ProfileID:  profile.ID,
		TotalSteps: totalSteps,
		NextPrompt: prompts[0],
	}, nil
}

// SubmitStep scores one recording for the given step index. Audio below the
// acceptance floor is rejected with the sub-scores attached and the index
// stays open for resubmission; an index that was already accepted cannot be
// overwritten. The step that fills the last open index completes the
// session and builds the profile's reference audio.
//
// Scoring and storage I/O run outside the manager lock so a slow upload in
// one session never stalls submissions to other sessions. The lock is
// re-taken to commit, re-checking that the index is still open.
func (m *Manager) SubmitStep(
	ctx context.Context, sessionID string, stepIndex int, audio []byte, meta core.AudioMetadata,
) (StepResult, error) {
	validateErr := m.beginStep(sessionID, stepIndex)
	if validateErr != nil {
		return StepResult{}, validateErr
	}

	score, durationSeconds, scoreErr := m.scorer.Evaluate(audio, meta)
	if scoreErr != nil {
		return StepResult{}, scoreErr
	}

	if score.Grade == core.GradePoor {
		return StepResult{}, rejectionError(score)
	}

	audioKey, putErr := m.profiles.PutStepAudio(ctx, sessionID, stepIndex, audio)
	if putErr != nil {
		return StepResult{}, putErr
	}

	return m.commitStep(ctx, sessionID, stepIndex, core.RecordingStep{
		Index:           stepIndex,
		AudioKey:        audioKey,
		DurationSeconds: durationSeconds,
		Score:           score,
		AcceptedAt:      time.Now().UTC(),
	})
}

// beginStep validates a submission against the current session state and
// marks the session active.
func (m *Manager) beginStep(sessionID string, stepIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recordingSession, validateErr := m.openStepLocked(sessionID, stepIndex)
	if validateErr != nil {
		return validateErr
	}

	recordingSession.LastActivityAt = time.Now().UTC()

	return nil
}

// openStepLocked resolves the session and checks the step index is open.
// Called with the manager lock held.
func (m *Manager) openStepLocked(sessionID string, stepIndex int) (*core.RecordingSession, error) {
	recordingSession, ok := m.sessions[sessionID]
	if !ok {
		return nil, core.NewError(core.CodeSessionNotFound, "session '%s' not found", sessionID)
	}

	if recordingSession.State != core.SessionCreated && recordingSession.State != core.SessionInProgress {
		return nil, core.NewError(
			core.CodeSessionNotActive,
			"session '%s' is %s and no longer accepts recordings", sessionID, recordingSession.State,
		)
	}

	if stepIndex < 0 || stepIndex >= recordingSession.TotalSteps {
		return nil, core.NewError(
			core.CodeInvalidStepIndex,
			"step index %d out of range [0, %d)", stepIndex, recordingSession.TotalSteps,
		)
	}

	if _, accepted := recordingSession.Steps[stepIndex]; accepted {
		return nil, core.NewError(
			core.CodeInvalidStepIndex,
			"step index %d is already accepted", stepIndex,
		)
	}

	return recordingSession, nil
}

// commitStep records an accepted step. The session may have changed while the
// audio was scored and uploaded without the lock, so the step index is
// re-validated; a session that went terminal in the meantime gets its
// uploaded audio removed again.
func (m *Manager) commitStep(
	ctx context.Context, sessionID string, stepIndex int, step core.RecordingStep,
) (StepResult, error) {
	m.mu.Lock()

	recordingSession, validateErr := m.openStepLocked(sessionID, stepIndex)
	if validateErr != nil {
		m.mu.Unlock()

		if core.CodeOf(validateErr) != core.CodeInvalidStepIndex {
			m.discardStepAudio(ctx, step.AudioKey)
		}

		return StepResult{}, validateErr
	}

	recordingSession.Steps[stepIndex] = step
	recordingSession.State = core.SessionInProgress
	recordingSession.LastActivityAt = time.Now().UTC()

	result := StepResult{
		Score:          step.Score,
		StepsCompleted: len(recordingSession.Steps),
		TotalSteps:     recordingSession.TotalSteps,
		NextPrompt:     "",
		Completed:      false,
		ProfileGrade:   "",
	}

	if len(recordingSession.Steps) == recordingSession.TotalSteps {
		profileID := recordingSession.ProfileID
		steps := acceptedStepsLocked(recordingSession)
		m.mu.Unlock()

		grade, completeErr := m.finalize(ctx, sessionID, profileID, steps)
		if completeErr != nil {
			return StepResult{}, completeErr
		}

		result.Completed = true
		result.ProfileGrade = grade

		return result, nil
	}

	result.NextPrompt = recordingSession.Prompts[nextOpenStep(recordingSession)]
	m.mu.Unlock()

	return result, nil
}

// discardStepAudio removes a step upload whose session went terminal before
// the commit. Best effort.
func (m *Manager) discardStepAudio(ctx context.Context, audioKey string) {
	deleteErr := m.profiles.DeleteObject(ctx, audioKey)
	if deleteErr != nil {
		m.log.Warn("Failed to discard step audio '%s': %v", audioKey, deleteErr)
	}
}

// acceptedStepsLocked snapshots the accepted steps in index order. Called
// with the manager lock held.
func acceptedStepsLocked(recordingSession *core.RecordingSession) []core.RecordingStep {
	indices := make([]int, 0, len(recordingSession.Steps))
	for index := range recordingSession.Steps {
		indices = append(indices, index)
	}

	sort.Ints(indices)

	steps := make([]core.RecordingStep, 0, len(indices))
	for _, index := range indices {
		steps = append(steps, recordingSession.Steps[index])
	}

	return steps
}

// Progress reports the current state of a session.
func (m *Manager) Progress(_ context.Context, sessionID string) (core.RecordingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recordingSession, ok := m.sessions[sessionID]
	if !ok {
		return core.RecordingSession{}, core.NewError(core.CodeSessionNotFound, "session '%s' not found", sessionID)
	}

	return *recordingSession, nil
}

// Abandon terminates a session and removes its profile and stored audio.
// Abandoning a session that is already terminal is a no-op.
func (m *Manager) Abandon(ctx context.Context, sessionID string) error {
	m.mu.Lock()

	recordingSession, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()

		return core.NewError(core.CodeSessionNotFound, "session '%s' not found", sessionID)
	}

	if recordingSession.State == core.SessionCompleted || recordingSession.State == core.SessionAbandoned {
		m.mu.Unlock()

		return nil
	}

	recordingSession.State = core.SessionAbandoned
	profileID := recordingSession.ProfileID
	m.mu.Unlock()

	deleteErr := m.profiles.Delete(ctx, profileID, sessionID)
	if deleteErr != nil {
		m.log.Warn("Failed to delete profile %s for abandoned session %s: %v",
			profileID, sessionID, deleteErr)
	}

	m.log.Info("Abandoned recording session %s", sessionID)

	return nil
}

// ExpireIdle abandons sessions idle since before the cutoff and reports how
// many were expired. Driven by the maintenance sweep.
func (m *Manager) ExpireIdle(ctx context.Context, cutoff time.Time) int {
	m.mu.Lock()

	var idle []string

	for id, recordingSession := range m.sessions {
		active := recordingSession.State == core.SessionCreated ||
			recordingSession.State == core.SessionInProgress
		if active && recordingSession.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		abandonErr := m.Abandon(ctx, id)
		if abandonErr != nil {
			m.log.Warn("Failed to expire idle session %s: %v", id, abandonErr)
		}
	}

	return len(idle)
}

// ActiveSessions reports how many sessions are currently accepting
// recordings.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active int

	for _, recordingSession := range m.sessions {
		if recordingSession.State == core.SessionCreated || recordingSession.State == core.SessionInProgress {
			active++
		}
	}

	return active
}

// finalize completes a session whose every step has been accepted: the
// profile's grade is the grade band of the mean composite score, and the
// accepted recordings are concatenated into the reference audio. Runs
// without the manager lock; the session already rejects further submissions
// because every index is taken.
func (m *Manager) finalize(
	ctx context.Context, sessionID, profileID string, steps []core.RecordingStep,
) (core.Grade, error) {
	clips := make([][]byte, 0, len(steps))

	var compositeSum float64

	for _, step := range steps {
		compositeSum += step.Score.Composite

		clip, fetchErr := m.profiles.GetStepAudio(ctx, step.AudioKey)
		if fetchErr != nil {
			return "", m.failProfile(ctx, profileID, fetchErr)
		}

		clips = append(clips, clip)
	}

	reference, concatErr := quality.ConcatenateWAV(clips, referenceGapSeconds)
	if concatErr != nil {
		return "", m.failProfile(ctx, profileID, concatErr)
	}

	referenceKey, putErr := m.profiles.PutReferenceAudio(ctx, profileID, reference)
	if putErr != nil {
		return "", m.failProfile(ctx, profileID, putErr)
	}

	grade := quality.GradeFor(compositeSum / float64(len(steps)))

	profile, getErr := m.profiles.Get(ctx, profileID)
	if getErr != nil {
		return "", getErr
	}

	profile.State = core.ProfileReady
	profile.Grade = grade
	profile.ReferenceKey = referenceKey

	updateErr := m.profiles.Update(ctx, profile)
	if updateErr != nil {
		return "", updateErr
	}

	m.mu.Lock()

	recordingSession, ok := m.sessions[sessionID]
	if ok && recordingSession.State == core.SessionInProgress {
		recordingSession.State = core.SessionCompleted
	}
	m.mu.Unlock()

	m.log.Info("Completed recording session %s: profile %s graded %s",
		sessionID, profileID, grade)

	return grade, nil
}

// failProfile marks the profile failed when finalization cannot finish.
func (m *Manager) failProfile(ctx context.Context, profileID string, cause error) error {
	profile, getErr := m.profiles.Get(ctx, profileID)
	if getErr == nil {
		profile.State = core.ProfileFailed

		updateErr := m.profiles.Update(ctx, profile)
		if updateErr != nil {
			m.log.Error("Failed to mark profile %s failed: %v", profile.ID, updateErr)
		}
	}

	return fmt.Errorf("failed to finalize profile '%s': %w", profileID, cause)
}

func nextOpenStep(recordingSession *core.RecordingSession) int {
	for index := range recordingSession.TotalSteps {
		if _, done := recordingSession.Steps[index]; !done {
			return index
		}
	}

	return 0
}

// rejectionError builds the quality-rejection error with the sub-scores and
// targeted advice for the weakest part of the recording.
func rejectionError(score core.QualityScore) error {
	rejection := core.NewError(
		core.CodeAudioQualityRejected,
		"audio quality below acceptance threshold (composite %.2f)", score.Composite,
	).
		WithDetail("composite", score.Composite).
		WithDetail("duration_score", score.Duration).
		WithDetail("signal_noise_score", score.SignalNoise).
		WithDetail("clipping_score", score.Clipping)

	if score.Duration < 0.5 {
		rejection = rejection.WithSuggestions("record a longer sample, speaking the full prompt")
	}

	if score.SignalNoise < 0.5 {
		rejection = rejection.WithSuggestions("move to a quieter environment and speak closer to the microphone")
	}

	if score.Clipping < 0.5 {
		rejection = rejection.WithSuggestions("lower the input gain to avoid clipping")
	}

	return rejection
}
