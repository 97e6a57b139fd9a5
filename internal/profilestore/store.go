// Package profilestore owns the durable mapping from profile identity to
// profile record, step audio, and synthesis outputs. All mutation of
// VoiceProfile records goes through this package.
package profilestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-profile-service/internal/core"
)

// Object key layout inside the blob store.
const (
	profileRecordFmt = "profiles/%s.json"
	referenceKeyFmt  = "profiles/%s/reference.wav"
	stepAudioFmt     = "recordings/%s/step_%04d.wav"
	stepAudioPrefix  = "recordings/%s/"
	outputKeyFmt     = "outputs/%s/%s.wav"
	outputPrefixFmt  = "outputs/%s/"
)

// Store keeps the authoritative in-memory record map and persists every
// change through the object store. The mutex guards all record mutation, so
// usage updates are linearizable.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*core.VoiceProfile

	objects core.ObjectStore
	log     *logger.Logger
}

// New creates a profile store backed by the given object store.
func New(objects core.ObjectStore, log *logger.Logger) *Store {
	return &Store{
		profiles: make(map[string]*core.VoiceProfile),
		objects:  objects,
		log:      log,
	}
}

// Create persists a new profile record.
func (s *Store) Create(ctx context.Context, profile core.VoiceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[profile.ID] = &profile

	return s.persistLocked(ctx, &profile)
}

// Get returns a copy of the profile record, falling back to the object store
// for records created before this process started.
func (s *Store) Get(ctx context.Context, profileID string) (core.VoiceProfile, error) {
	s.mu.RLock()
	cached, ok := s.profiles[profileID]

	if ok {
		profile := *cached
		s.mu.RUnlock()

		return profile, nil
	}
	s.mu.RUnlock()

	return s.load(ctx, profileID)
}

// ListByOwner returns the owner's profiles, newest first.
func (s *Store) ListByOwner(_ context.Context, ownerID string) []core.VoiceProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var profiles []core.VoiceProfile

	for _, profile := range s.profiles {
		if profile.OwnerID == ownerID && profile.State != core.ProfileDeleted {
			profiles = append(profiles, *profile)
		}
	}

	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].CreatedAt.After(profiles[j].CreatedAt)
	})

	return profiles
}

// Update replaces the stored record for an existing profile.
func (s *Store) Update(ctx context.Context, profile core.VoiceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[profile.ID]; !ok {
		return core.NewError(core.CodeProfileNotFound, "profile '%s' not found", profile.ID)
	}

	s.profiles[profile.ID] = &profile

	return s.persistLocked(ctx, &profile)
}

// UpdateUsage atomically increments the usage count and stamps last-used.
// Safe under concurrent callers; each successful synthesis increments
// exactly once.
func (s *Store) UpdateUsage(ctx context.Context, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[profileID]
	if !ok {
		return core.NewError(core.CodeProfileNotFound, "profile '%s' not found", profileID)
	}

	profile.UsageCount++
	profile.LastUsedAt = time.Now().UTC()

	return s.persistLocked(ctx, profile)
}

// Delete removes the profile record, its step audio, its reference audio,
// and any cached synthesis outputs. A second delete of the same profile
// fails with a not-found error, which callers treat as non-fatal.
func (s *Store) Delete(ctx context.Context, profileID, sessionID string) error {
	s.mu.Lock()

	profile, ok := s.profiles[profileID]
	if !ok {
		s.mu.Unlock()

		return core.NewError(core.CodeProfileNotFound, "profile '%s' not found", profileID)
	}

	delete(s.profiles, profileID)
	referenceKey := profile.ReferenceKey
	s.mu.Unlock()

	s.deleteObject(ctx, fmt.Sprintf(profileRecordFmt, profileID))

	if referenceKey != "" {
		s.deleteObject(ctx, referenceKey)
	}

	if sessionID != "" {
		s.deletePrefix(ctx, fmt.Sprintf(stepAudioPrefix, sessionID))
	}

	s.deletePrefix(ctx, fmt.Sprintf(outputPrefixFmt, profileID))

	return nil
}

// PutStepAudio stores one accepted step recording and returns its key.
func (s *Store) PutStepAudio(ctx context.Context, sessionID string, stepIndex int, audio []byte) (string, error) {
	key := fmt.Sprintf(stepAudioFmt, sessionID, stepIndex)

	err := s.objects.Upload(ctx, key, audio)
	if err != nil {
		return "", fmt.Errorf("failed to store step audio '%s': %w", key, err)
	}

	return key, nil
}

// GetStepAudio fetches one stored step recording.
func (s *Store) GetStepAudio(ctx context.Context, key string) ([]byte, error) {
	data, err := s.objects.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch step audio '%s': %w", key, err)
	}

	return data, nil
}

// PutReferenceAudio stores the profile's combined reference recording and
// returns its key.
func (s *Store) PutReferenceAudio(ctx context.Context, profileID string, audio []byte) (string, error) {
	key := fmt.Sprintf(referenceKeyFmt, profileID)

	err := s.objects.Upload(ctx, key, audio)
	if err != nil {
		return "", fmt.Errorf("failed to store reference audio '%s': %w", key, err)
	}

	return key, nil
}

// GetReferenceAudio fetches the profile's reference recording.
func (s *Store) GetReferenceAudio(ctx context.Context, key string) ([]byte, error) {
	data, err := s.objects.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reference audio '%s': %w", key, err)
	}

	return data, nil
}

// PutSynthesisOutput stores one synthesis result under the owning profile
// and returns the output reference.
func (s *Store) PutSynthesisOutput(ctx context.Context, profileID, outputID string, audio []byte) (string, error) {
	key := fmt.Sprintf(outputKeyFmt, profileID, outputID)

	err := s.objects.Upload(ctx, key, audio)
	if err != nil {
		return "", fmt.Errorf("failed to store synthesis output '%s': %w", key, err)
	}

	return key, nil
}

// ListSynthesisOutputs lists stored outputs for a profile, including their
// modification times, for retention sweeps.
func (s *Store) ListSynthesisOutputs(ctx context.Context, profileID string) ([]core.ObjectInfo, error) {
	infos, err := s.objects.List(ctx, fmt.Sprintf(outputPrefixFmt, profileID))
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs for profile '%s': %w", profileID, err)
	}

	return infos, nil
}

// DeleteObject removes one stored object by key. Best-effort callers log
// and continue on error.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	err := s.objects.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to delete object '%s': %w", key, err)
	}

	return nil
}

// ReadyProfiles returns all profiles currently in the ready state.
func (s *Store) ReadyProfiles(_ context.Context) []core.VoiceProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var profiles []core.VoiceProfile

	for _, profile := range s.profiles {
		if profile.State == core.ProfileReady {
			profiles = append(profiles, *profile)
		}
	}

	return profiles
}

func (s *Store) load(ctx context.Context, profileID string) (core.VoiceProfile, error) {
	data, err := s.objects.Download(ctx, fmt.Sprintf(profileRecordFmt, profileID))
	if err != nil {
		return core.VoiceProfile{}, core.NewError(core.CodeProfileNotFound, "profile '%s' not found", profileID)
	}

	var profile core.VoiceProfile

	err = json.Unmarshal(data, &profile)
	if err != nil {
		return core.VoiceProfile{}, fmt.Errorf("failed to decode profile record '%s': %w", profileID, err)
	}

	s.mu.Lock()
	s.profiles[profile.ID] = &profile
	s.mu.Unlock()

	return profile, nil
}

func (s *Store) persistLocked(ctx context.Context, profile *core.VoiceProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile record '%s': %w", profile.ID, err)
	}

	err = s.objects.Upload(ctx, fmt.Sprintf(profileRecordFmt, profile.ID), data)
	if err != nil {
		return fmt.Errorf("failed to persist profile record '%s': %w", profile.ID, err)
	}

	return nil
}

func (s *Store) deleteObject(ctx context.Context, key string) {
	err := s.objects.Delete(ctx, key)
	if err != nil {
		s.log.Warn("Failed to delete object '%s': %v", key, err)
	}
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) {
	infos, err := s.objects.List(ctx, prefix)
	if err != nil {
		s.log.Warn("Failed to list objects under '%s': %v", prefix, err)

		return
	}

	for _, info := range infos {
		s.deleteObject(ctx, info.Key)
	}
}
