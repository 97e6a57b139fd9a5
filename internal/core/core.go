// Package core defines the domain model and capability interfaces for the
// voice-profile service.
package core

import (
	"context"
	"time"
)

// Grade is the aggregate quality label assigned to audio samples and profiles.
type Grade string

// Grade labels, ordered best to worst.
const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradeFair      Grade = "fair"
	GradePoor      Grade = "poor"
)

// ProfileState is the lifecycle state of a voice profile.
type ProfileState string

// Profile lifecycle states.
const (
	ProfileRecording ProfileState = "recording"
	ProfileReady     ProfileState = "ready"
	ProfileFailed    ProfileState = "failed"
	ProfileDeleted   ProfileState = "deleted"
)

// SessionState is the lifecycle state of a recording session.
type SessionState string

// Session lifecycle states. Completed and Abandoned are terminal.
const (
	SessionCreated    SessionState = "created"
	SessionInProgress SessionState = "in_progress"
	SessionCompleted  SessionState = "completed"
	SessionAbandoned  SessionState = "abandoned"
)

// QualityScore is the deterministic quality verdict for one audio sample.
// Composite is the weighted average of the three sub-scores, all in [0, 1].
type QualityScore struct {
	Composite   float64 `json:"composite"`
	Duration    float64 `json:"duration"`
	SignalNoise float64 `json:"signal_noise"`
	Clipping    float64 `json:"clipping"`
	Grade       Grade   `json:"grade"`
}

// RecordingStep is one accepted audio submission for a prompt index.
// Immutable once accepted.
type RecordingStep struct {
	Index           int          `json:"index"`
	AudioKey        string       `json:"audio_key"`
	DurationSeconds float64      `json:"duration_seconds"`
	Score           QualityScore `json:"score"`
	AcceptedAt      time.Time    `json:"accepted_at"`
}

// VoiceProfile is a named, quality-graded, reusable representation of a
// recorded voice. The grade is defined only once the owning session has
// completed.
type VoiceProfile struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	State        ProfileState `json:"state"`
	Grade        Grade        `json:"grade,omitempty"`
	UsageCount   int64        `json:"usage_count"`
	CreatedAt    time.Time    `json:"created_at"`
	LastUsedAt   time.Time    `json:"last_used_at,omitzero"`
	ReferenceKey string       `json:"reference_key,omitempty"`
}

// RecordingSession is the stateful multi-step workflow that produces a voice
// profile. It shares its lifetime with the profile it records for.
type RecordingSession struct {
	ID             string                `json:"id"`
	ProfileID      string                `json:"profile_id"`
	Prompts        []string              `json:"prompts"`
	Steps          map[int]RecordingStep `json:"steps"`
	TotalSteps     int                   `json:"total_steps"`
	State          SessionState          `json:"state"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivityAt time.Time             `json:"last_activity_at"`
}

// AudioMetadata carries caller-declared information about a submitted sample.
// The scorer trusts the bytes, not the declaration; the format hint is only
// used to fail fast on formats the decoder does not handle.
type AudioMetadata struct {
	Format string `json:"format,omitempty"`
}

// ObjectInfo describes one stored object, as reported by the object store.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStore is the interface to a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// SynthesisRequest is one job for the speech backend. ReferenceAudio is the
// profile's combined recording used to condition the voice.
type SynthesisRequest struct {
	Text           string
	Language       string
	ReferenceAudio []byte
}

// SpeechSynthesizer is the interface to the text-to-speech backend. The
// backend is treated as a black box with its own initialization and failure
// modes; Ready reports whether it can currently serve synthesis.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
	Ready(ctx context.Context) error
}
