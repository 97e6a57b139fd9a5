// Package synth_test tests the speech synthesis backends.
package synth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/synth"
)

func TestRemoteSynthesizeSuccess(t *testing.T) {
	t.Parallel()

	var received struct {
		Text           string `json:"text"`
		Language       string `json:"language"`
		ReferenceAudio []byte `json:"reference_audio"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/synthesize", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		err := json.NewDecoder(r.Body).Decode(&received)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("wav bytes"))
	}))
	defer server.Close()

	synthesizer := synth.NewRemoteSynthesizer(synth.RemoteConfig{BaseURL: server.URL, Timeout: 0})

	audio, err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		Text:           "hello world",
		Language:       "en",
		ReferenceAudio: []byte("reference"),
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("wav bytes"), audio)
	assert.Equal(t, "hello world", received.Text)
	assert.Equal(t, "en", received.Language)
	assert.Equal(t, []byte("reference"), received.ReferenceAudio)
}

func TestRemoteSynthesizeStructuredError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "text too long", "error_code": "TEXT_TOO_LONG"}`))
	}))
	defer server.Close()

	synthesizer := synth.NewRemoteSynthesizer(synth.RemoteConfig{BaseURL: server.URL, Timeout: 0})

	_, err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		Text:           "hello",
		Language:       "en",
		ReferenceAudio: nil,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text too long")
	assert.Contains(t, err.Error(), "TEXT_TOO_LONG")
}

func TestRemoteSynthesizeRejectsWrongContentType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("not audio"))
	}))
	defer server.Close()

	synthesizer := synth.NewRemoteSynthesizer(synth.RemoteConfig{BaseURL: server.URL, Timeout: 0})

	_, err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		Text:           "hello",
		Language:       "en",
		ReferenceAudio: nil,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected content type")
}

func TestRemoteReady(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)

			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	synthesizer := synth.NewRemoteSynthesizer(synth.RemoteConfig{BaseURL: server.URL, Timeout: 0})

	require.NoError(t, synthesizer.Ready(context.Background()))
}

func TestRemoteReadyFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	synthesizer := synth.NewRemoteSynthesizer(synth.RemoteConfig{BaseURL: server.URL, Timeout: 0})

	require.Error(t, synthesizer.Ready(context.Background()))
}

func TestCommandSynthesizeCleansUpTempFiles(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	synthesizer := synth.NewCommandSynthesizer(synth.CommandConfig{
		Binary:    "true",
		ModelPath: "model.bin",
		ExtraArgs: nil,
	}, testLogger)

	audio, err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		Text:           "hello",
		Language:       "en",
		ReferenceAudio: []byte("reference"),
	})
	require.NoError(t, err)
	assert.Empty(t, audio)

	outputs, err := filepath.Glob(filepath.Join(os.TempDir(), "synth-output-*.wav"))
	require.NoError(t, err)
	assert.Empty(t, outputs)

	references, err := filepath.Glob(filepath.Join(os.TempDir(), "synth-reference-*.wav"))
	require.NoError(t, err)
	assert.Empty(t, references)
}

func TestCommandReadyMissingBinary(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	synthesizer := synth.NewCommandSynthesizer(synth.CommandConfig{
		Binary:    "definitely-not-a-real-binary",
		ModelPath: "",
		ExtraArgs: nil,
	}, testLogger)

	require.Error(t, synthesizer.Ready(context.Background()))
}
