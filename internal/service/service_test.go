// Package service_test exercises the NATS request-reply surface end to end
// against an embedded server.
package service_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/dispatch"
	"github.com/book-expert/voice-profile-service/internal/health"
	"github.com/book-expert/voice-profile-service/internal/objectstore"
	"github.com/book-expert/voice-profile-service/internal/profilestore"
	"github.com/book-expert/voice-profile-service/internal/quality"
	"github.com/book-expert/voice-profile-service/internal/ratelimit"
	"github.com/book-expert/voice-profile-service/internal/service"
	"github.com/book-expert/voice-profile-service/internal/session"
)

const (
	testPrefix     = "voice.profile.test"
	testSampleRate = 16000
	requestTimeout = 5 * time.Second
)

// fakeSynthesizer returns fixed audio without a real backend.
type fakeSynthesizer struct{}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _ core.SynthesisRequest) ([]byte, error) {
	return []byte("synthesized audio"), nil
}

func (f *fakeSynthesizer) Ready(_ context.Context) error {
	return nil
}

// envelope mirrors the service reply structure for assertions.
type envelope struct {
	Success bool `json:"success"`
	Data    json.RawMessage
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
	Suggestions []string `json:"suggestions"`
	RequestID   string   `json:"request_id"`
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

func header(userID string) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
		UserID:     userID,
		TenantID:   "",
	}
}

func setupService(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-voice-profiles")
	require.NoError(t, err)

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	profiles := profilestore.New(store, testLogger)
	scorer := quality.NewScorer(quality.Config{})
	sessions := session.NewManager(session.Config{}, profiles, scorer, testLogger)
	limiter := ratelimit.New(nil, ratelimit.Policy{Capacity: 0, Window: 0})
	backend := &fakeSynthesizer{}
	dispatcher := dispatch.New(dispatch.Config{}, profiles, limiter, backend, testLogger)
	monitor := health.NewMonitor(dispatcher, limiter, sessions, backend)
	metrics := health.NewMetrics()

	svc := service.New(
		natsConnection, testPrefix,
		sessions, profiles, dispatcher, monitor, metrics, testLogger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = svc.Run(ctx)
	}()

	// Let the subscriptions settle before the first request.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, natsConnection.Flush())

	return natsConnection
}

func request(t *testing.T, conn *nats.Conn, suffix string, payload any) envelope {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	msg, err := conn.Request(testPrefix+"."+suffix, data, requestTimeout)
	require.NoError(t, err)

	var reply envelope

	err = json.Unmarshal(msg.Data, &reply)
	require.NoError(t, err)

	return reply
}

func TestRecordingAndSynthesisFlow(t *testing.T) {
	t.Parallel()

	conn := setupService(t)

	startReply := request(t, conn, service.SubjectStartSession, map[string]any{
		"header":       header("user-1"),
		"profile_name": "narration voice",
		"total_steps":  3,
	})
	require.True(t, startReply.Success)
	assert.NotEmpty(t, startReply.RequestID)

	var started struct {
		SessionID  string `json:"session_id"`
		ProfileID  string `json:"profile_id"`
		TotalSteps int    `json:"total_steps"`
		NextPrompt string `json:"next_prompt"`
	}
	require.NoError(t, json.Unmarshal(startReply.Data, &started))
	assert.Equal(t, 3, started.TotalSteps)
	assert.NotEmpty(t, started.NextPrompt)

	audio := goodAudio(3.5)

	for step := range 3 {
		submitReply := request(t, conn, service.SubjectSubmitStep, map[string]any{
			"header":     header("user-1"),
			"session_id": started.SessionID,
			"step_index": step,
			"audio":      audio,
		})
		require.True(t, submitReply.Success, "step %d should be accepted", step)
	}

	profileReply := request(t, conn, service.SubjectGetProfile, map[string]any{
		"header":     header("user-1"),
		"profile_id": started.ProfileID,
	})
	require.True(t, profileReply.Success)

	var profile core.VoiceProfile
	require.NoError(t, json.Unmarshal(profileReply.Data, &profile))
	assert.Equal(t, core.ProfileReady, profile.State)
	assert.Equal(t, core.GradeExcellent, profile.Grade)

	synthesisReply := request(t, conn, service.SubjectUseVoice, map[string]any{
		"header":     header("user-1"),
		"profile_id": started.ProfileID,
		"text":       "hello from my cloned voice",
		"language":   "en",
	})
	require.True(t, synthesisReply.Success)

	var synthesis struct {
		OutputKey string `json:"output_key"`
		ByteCount int    `json:"byte_count"`
	}
	require.NoError(t, json.Unmarshal(synthesisReply.Data, &synthesis))
	assert.NotEmpty(t, synthesis.OutputKey)
	assert.Positive(t, synthesis.ByteCount)

	listReply := request(t, conn, service.SubjectListProfiles, map[string]any{
		"header": header("user-1"),
	})
	require.True(t, listReply.Success)

	var profiles []core.VoiceProfile
	require.NoError(t, json.Unmarshal(listReply.Data, &profiles))
	require.Len(t, profiles, 1)
	assert.Equal(t, int64(1), profiles[0].UsageCount)
}

func TestErrorEnvelope(t *testing.T) {
	t.Parallel()

	conn := setupService(t)

	reply := request(t, conn, service.SubjectSubmitStep, map[string]any{
		"header":     header("user-1"),
		"session_id": "no-such-session",
		"step_index": 0,
		"audio":      goodAudio(3.5),
	})

	require.False(t, reply.Success)
	require.NotNil(t, reply.Error)
	assert.Equal(t, string(core.CodeSessionNotFound), reply.Error.Code)
	assert.NotEmpty(t, reply.Error.Message)
	assert.NotEmpty(t, reply.RequestID)
}

func TestAbandonSession(t *testing.T) {
	t.Parallel()

	conn := setupService(t)

	startReply := request(t, conn, service.SubjectStartSession, map[string]any{
		"header":       header("user-2"),
		"profile_name": "temp voice",
		"total_steps":  3,
	})
	require.True(t, startReply.Success)

	var started struct {
		SessionID string `json:"session_id"`
		ProfileID string `json:"profile_id"`
	}
	require.NoError(t, json.Unmarshal(startReply.Data, &started))

	abandonReply := request(t, conn, service.SubjectAbandonSession, map[string]any{
		"header":     header("user-2"),
		"session_id": started.SessionID,
	})
	require.True(t, abandonReply.Success)

	profileReply := request(t, conn, service.SubjectGetProfile, map[string]any{
		"header":     header("user-2"),
		"profile_id": started.ProfileID,
	})
	require.False(t, profileReply.Success)
	assert.Equal(t, string(core.CodeProfileNotFound), profileReply.Error.Code)
}

func TestHealthSubject(t *testing.T) {
	t.Parallel()

	conn := setupService(t)

	reply := request(t, conn, service.SubjectHealth, map[string]any{
		"header": header("user-1"),
	})
	require.True(t, reply.Success)

	var report health.Report
	require.NoError(t, json.Unmarshal(reply.Data, &report))
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.True(t, report.BackendReady)
}

func TestMetricsSubject(t *testing.T) {
	t.Parallel()

	conn := setupService(t)

	// A prior request so the counters carry at least one sample.
	healthReply := request(t, conn, service.SubjectHealth, map[string]any{
		"header": header("user-1"),
	})
	require.True(t, healthReply.Success)

	reply := request(t, conn, service.SubjectMetrics, map[string]any{
		"header": header("user-1"),
	})
	require.True(t, reply.Success)

	var metrics struct {
		System   health.SystemGauges   `json:"system"`
		Requests []health.RequestCount `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(reply.Data, &metrics))
	require.NotEmpty(t, metrics.Requests)

	var healthCount float64

	for _, sample := range metrics.Requests {
		if sample.Operation == service.SubjectHealth && sample.Status == "ok" {
			healthCount = sample.Count
		}
	}

	assert.Equal(t, 1.0, healthCount)
}
