// Package synth provides the speech synthesis backends. Both implementations
// satisfy core.SpeechSynthesizer: one talks to a remote HTTP synthesis
// service, the other shells out to a local synthesis binary.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/voice-profile-service/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesize = "/v1/synthesize"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Error messages.
const (
	errUnexpectedContentType = "unexpected content type: expected audio/wav, got %s"
	errReceivedEmptyAudio    = "received empty audio data"
	errFmtBackendWithCode    = "synthesis backend error (%s): %s (code: %s)"
	errFmtBackendNonOK       = "synthesis backend returned non-OK status: %s, body: %s"
)

// defaultHTTPTimeout bounds each backend call when no timeout is configured.
const defaultHTTPTimeout = 2 * time.Minute

// RemoteConfig holds the HTTP backend settings.
type RemoteConfig struct {
	// BaseURL includes protocol and port (e.g. "http://localhost:8000").
	BaseURL string
	// Timeout applies to each HTTP request. Default 2m.
	Timeout time.Duration
}

// RemoteSynthesizer calls a standalone HTTP synthesis service.
type RemoteSynthesizer struct {
	httpClient *http.Client
	baseURL    string
}

// remoteRequest is the JSON payload for one synthesis call. ReferenceAudio
// is the profile's combined recording, base64-encoded on the wire.
type remoteRequest struct {
	Text           string `json:"text"`
	Language       string `json:"language"`
	ReferenceAudio []byte `json:"reference_audio,omitempty"`
}

// remoteErrorResponse is the structured error body the backend returns on
// failure.
type remoteErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewRemoteSynthesizer creates the HTTP backend client.
func NewRemoteSynthesizer(cfg RemoteConfig) *RemoteSynthesizer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	return &RemoteSynthesizer{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize sends one synthesis request and returns the raw WAV audio.
func (r *RemoteSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	requestBody, marshalErr := json.Marshal(remoteRequest{
		Text:           req.Text,
		Language:       req.Language,
		ReferenceAudio: req.ReferenceAudio,
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", marshalErr)
	}

	httpReq, reqErr := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		r.baseURL+apiSynthesize,
		bytes.NewBuffer(requestBody),
	)
	if reqErr != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", reqErr)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, sendErr := r.httpClient.Do(httpReq)
	if sendErr != nil {
		return nil, fmt.Errorf(
			"failed to send request to synthesis backend at %s: %w",
			r.baseURL,
			sendErr,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf(errUnexpectedContentType, contentType)
	}

	audioData, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", readErr)
	}

	if len(audioData) == 0 {
		return nil, errors.New(errReceivedEmptyAudio)
	}

	return audioData, nil
}

// Ready performs a lightweight check against the backend health endpoint.
func (r *RemoteSynthesizer) Ready(ctx context.Context) error {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+apiHealth, http.NoBody)
	if reqErr != nil {
		return fmt.Errorf("failed to create health check request: %w", reqErr)
	}

	resp, sendErr := r.httpClient.Do(req)
	if sendErr != nil {
		return fmt.Errorf(
			"health check failed for backend at %s: %w",
			r.baseURL,
			sendErr,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse attempts to decode a structured JSON error from the
// backend, falling back to the raw body so diagnostics are preserved.
func parseErrorResponse(resp *http.Response) error {
	var errorResp remoteErrorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil {
		return fmt.Errorf(errFmtBackendWithCode,
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf(errFmtBackendNonOK, resp.Status, string(body))
}
