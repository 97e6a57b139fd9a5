// Package session_test tests the recording session workflow.
package session_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/profilestore"
	"github.com/book-expert/voice-profile-service/internal/quality"
	"github.com/book-expert/voice-profile-service/internal/session"
)

const testSampleRate = 16000

var errObjectNotFound = errors.New("object not found")

// memoryStore is an in-memory ObjectStore for tests.
type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, errObjectNotFound
	}

	return data, nil
}

func (m *memoryStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = data

	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; !ok {
		return errObjectNotFound
	}

	delete(m.objects, key)

	return nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]core.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []core.ObjectInfo

	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, core.ObjectInfo{
				Key:     key,
				Size:    int64(len(data)),
				ModTime: time.Now(),
			})
		}
	}

	return infos, nil
}

func (m *memoryStore) keysWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string

	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	return keys
}

// gatedStore stalls uploads under one key prefix until released, letting
// tests hold a single session's storage I/O in flight.
type gatedStore struct {
	*memoryStore
	blockPrefix string
	entered     chan struct{}
	release     chan struct{}
}

func (g *gatedStore) Upload(ctx context.Context, key string, data []byte) error {
	if g.blockPrefix != "" && strings.HasPrefix(key, g.blockPrefix) {
		g.entered <- struct{}{}
		<-g.release
	}

	return g.memoryStore.Upload(ctx, key, data)
}

func goodAudio(seconds float64) []byte {
	total := int(seconds * testSampleRate)
	samples := make([]float64, total)

	for i := range samples {
		block := (i / 2048) % 5

		amplitude := 0.5
		if block == 4 {
			amplitude = 0.001
		}

		samples[i] = amplitude * math.Sin(2*math.Pi*220*float64(i)/testSampleRate)
	}

	return quality.EncodeWAV(samples, testSampleRate)
}

func poorAudio() []byte {
	samples := make([]float64, testSampleRate/2)

	return quality.EncodeWAV(samples, testSampleRate)
}

func setupManager(t *testing.T) (*session.Manager, *profilestore.Store, *memoryStore) {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	store := newMemoryStore()
	profiles := profilestore.New(store, testLogger)
	scorer := quality.NewScorer(quality.Config{})
	manager := session.NewManager(session.Config{}, profiles, scorer, testLogger)

	return manager, profiles, store
}

func TestStartSessionUsesDefaults(t *testing.T) {
	t.Parallel()

	manager, profiles, _ := setupManager(t)

	result, err := manager.Start(context.Background(), "user-1", "my voice", "", 0)
	require.NoError(t, err)

	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.ProfileID)
	assert.Equal(t, 10, result.TotalSteps)
	assert.NotEmpty(t, result.NextPrompt)

	profile, err := profiles.Get(context.Background(), result.ProfileID)
	require.NoError(t, err)
	assert.Equal(t, core.ProfileRecording, profile.State)
	assert.Equal(t, "user-1", profile.OwnerID)
}

func TestStartSessionRejectsBadStepCount(t *testing.T) {
	t.Parallel()

	manager, _, _ := setupManager(t)

	_, err := manager.Start(context.Background(), "user-1", "my voice", "", 2)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidConfiguration, core.CodeOf(err))

	_, err = manager.Start(context.Background(), "user-1", "my voice", "", 21)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidConfiguration, core.CodeOf(err))
}

func TestStartSessionRequiresName(t *testing.T) {
	t.Parallel()

	manager, _, _ := setupManager(t)

	_, err := manager.Start(context.Background(), "user-1", "", "", 3)
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestFullRecordingFlow(t *testing.T) {
	t.Parallel()

	manager, profiles, _ := setupManager(t)
	ctx := context.Background()

	start, err := manager.Start(ctx, "user-1", "my voice", "narration voice", 3)
	require.NoError(t, err)

	for step := range 2 {
		result, submitErr := manager.SubmitStep(ctx, start.SessionID, step, goodAudio(3.5), core.AudioMetadata{})
		require.NoError(t, submitErr)

		assert.False(t, result.Completed)
		assert.Equal(t, step+1, result.StepsCompleted)
		assert.Equal(t, 3, result.TotalSteps)
		assert.NotEmpty(t, result.NextPrompt)
		assert.Equal(t, core.GradeExcellent, result.Score.Grade)
	}

	final, err := manager.SubmitStep(ctx, start.SessionID, 2, goodAudio(3.5), core.AudioMetadata{})
	require.NoError(t, err)

	assert.True(t, final.Completed)
	assert.Equal(t, core.GradeExcellent, final.ProfileGrade)
	assert.Empty(t, final.NextPrompt)

	profile, err := profiles.Get(ctx, start.ProfileID)
	require.NoError(t, err)
	assert.Equal(t, core.ProfileReady, profile.State)
	assert.Equal(t, core.GradeExcellent, profile.Grade)
	assert.NotEmpty(t, profile.ReferenceKey)

	// Reference audio is the three accepted steps joined with 0.2s gaps.
	reference, err := profiles.GetReferenceAudio(ctx, profile.ReferenceKey)
	require.NoError(t, err)

	scorer := quality.NewScorer(quality.Config{})
	seconds, err := scorer.DurationSeconds(reference)
	require.NoError(t, err)
	assert.InEpsilon(t, 3*3.5+2*0.2, seconds, 0.01)
}

func TestSubmitStepRejectsPoorAudio(t *testing.T) {
	t.Parallel()

	manager, _, _ := setupManager(t)
	ctx := context.Background()

	start, err := manager.Start(ctx, "user-1", "my voice", "", 3)
	require.NoError(t, err)

	_, err = manager.SubmitStep(ctx, start.SessionID, 0, poorAudio(), core.AudioMetadata{})
	require.Error(t, err)
	assert.Equal(t, core.CodeAudioQualityRejected, core.CodeOf(err))

	domainErr := core.AsDomainError(err)
	assert.Contains(t, domainErr.Details, "composite")
	assert.NotEmpty(t, domainErr.Suggestions)

	// The rejected step is not recorded.
	progress, err := manager.Progress(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Empty(t, progress.Steps)
}

func TestSubmitStepValidation(t *testing.T) {
	t.Parallel()

	manager, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.SubmitStep(ctx, "missing", 0, goodAudio(3.5), core.AudioMetadata{})
	require.Error(t, err)
	assert.Equal(t, core.CodeSessionNotFound, core.CodeOf(err))

	start, err := manager.Start(ctx, "user-1", "my voice", "", 3)
	require.NoError(t, err)

	_, err = manager.SubmitStep(ctx, start.SessionID, 3, goodAudio(3.5), core.AudioMetadata{})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidStepIndex, core.CodeOf(err))

	_, err = manager.SubmitStep(ctx, start.SessionID, -1, goodAudio(3.5), core.AudioMetadata{})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidStepIndex, core.CodeOf(err))
}

func TestSubmitStepRejectsAcceptedIndex(t *testing.T) {
	t.Parallel()

	manager, _, _ := setupManager(t)
	ctx := context.Background()

	start, err := manager.Start(ctx, "user-1", "my voice", "", 3)
	require.NoError(t, err)

	first, err := manager.SubmitStep(ctx, start.SessionID, 0, goodAudio(3.5), core.AudioMetadata{})
	require.NoError(t, err)

	_, err = manager.SubmitStep(ctx, start.SessionID, 0, goodAudio(3.5), core.AudioMetadata{})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidStepIndex, core.CodeOf(err))

	// The stored score is unchanged.
	progress, err := manager.Progress(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, first.Score, progress.Steps[0].Score)
}

func TestSubmitStepDoesNotBlockOtherSessions(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	store := &gatedStore{
		memoryStore: newMemoryStore(),
		blockPrefix: "",
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	profiles := profilestore.New(store, testLogger)
	scorer := quality.NewScorer(quality.Config{})
	manager := session.NewManager(session.Config{}, profiles, scorer, testLogger)

	ctx := context.Background()

	startA, err := manager.Start(ctx, "user-1", "voice a", "", 3)
	require.NoError(t, err)

	startB, err := manager.Start(ctx, "user-1", "voice b", "", 3)
	require.NoError(t, err)

	// Hold session A's step upload in flight.
	store.blockPrefix = "recordings/" + startA.SessionID

	slowDone := make(chan error, 1)

	go func() {
		_, submitErr := manager.SubmitStep(ctx, startA.SessionID, 0, goodAudio(3.5), core.AudioMetadata{})
		slowDone <- submitErr
	}()

	<-store.entered

	fastDone := make(chan error, 1)

	go func() {
		_, submitErr := manager.SubmitStep(ctx, startB.SessionID, 0, goodAudio(3.5), core.AudioMetadata{})
		fastDone <- submitErr
	}()

	select {
	case submitErr := <-fastDone:
		require.NoError(t, submitErr)
	case <-time.After(2 * time.Second):
		t.Fatal("submission to session B blocked behind session A's upload")
	}

	close(store.release)
	require.NoError(t, <-slowDone)
}

func TestSubmitStepAfterCompletion(t *testing.T) {
	t.Parallel()

	manager, _, _ := setupManager(t)
	ctx := context.Background()

	start, err := manager.Start(ctx, "user-1", "my voice", "", 3)
	require.NoError(t, err)

	for step := range 3 {
		_, submitErr := manager.SubmitStep(ctx, start.SessionID, step, goodAudio(3.5), core.AudioMetadata{})
		require.NoError(t, submitErr)
	}

	_, err = manager.SubmitStep(ctx, start.SessionID, 0, goodAudio(3.5), core.AudioMetadata{})
	require.Error(t, err)
	assert.Equal(t, core.CodeSessionNotActive, core.CodeOf(err))
}

func TestAbandonDeletesProfileAndAudio(t *testing.T) {
	t.Parallel()

	manager, profiles, store := setupManager(t)
	ctx := context.Background()

	start, err := manager.Start(ctx, "user-1", "my voice", "", 3)
	require.NoError(t, err)

	_, err = manager.SubmitStep(ctx, start.SessionID, 0, goodAudio(3.5), core.AudioMetadata{})
	require.NoError(t, err)

	err = manager.Abandon(ctx, start.SessionID)
	require.NoError(t, err)

	_, err = profiles.Get(ctx, start.ProfileID)
	require.Error(t, err)
	assert.Equal(t, core.CodeProfileNotFound, core.CodeOf(err))

	assert.Empty(t, store.keysWithPrefix("recordings/"+start.SessionID))

	// Abandoning again is a no-op.
	err = manager.Abandon(ctx, start.SessionID)
	require.NoError(t, err)
}

func TestExpireIdleAbandonsSessions(t *testing.T) {
	t.Parallel()

	manager, profiles, _ := setupManager(t)
	ctx := context.Background()

	start, err := manager.Start(ctx, "user-1", "my voice", "", 3)
	require.NoError(t, err)

	expired := manager.ExpireIdle(ctx, time.Now().Add(-time.Hour))
	assert.Zero(t, expired)

	expired = manager.ExpireIdle(ctx, time.Now().Add(time.Hour))
	assert.Equal(t, 1, expired)

	progress, err := manager.Progress(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionAbandoned, progress.State)

	_, err = profiles.Get(ctx, start.ProfileID)
	require.Error(t, err)
}
