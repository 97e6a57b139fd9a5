package service

import (
	"context"
	"fmt"

	"github.com/book-expert/events"

	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/health"
)

// response is the reply envelope shared by every operation.
type response struct {
	Success     bool       `json:"success"`
	Data        any        `json:"data,omitempty"`
	Error       *errorBody `json:"error,omitempty"`
	Suggestions []string   `json:"suggestions,omitempty"`
	RequestID   string     `json:"request_id"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type startSessionRequest struct {
	Header      events.EventHeader `json:"header"`
	ProfileName string             `json:"profile_name"`
	Description string             `json:"description"`
	TotalSteps  int                `json:"total_steps"`
}

type startSessionResponse struct {
	SessionID  string `json:"session_id"`
	ProfileID  string `json:"profile_id"`
	TotalSteps int    `json:"total_steps"`
	NextPrompt string `json:"next_prompt"`
}

type submitStepRequest struct {
	Header    events.EventHeader `json:"header"`
	SessionID string             `json:"session_id"`
	StepIndex int                `json:"step_index"`
	Audio     []byte             `json:"audio"`
	Format    string             `json:"format,omitempty"`
}

type submitStepResponse struct {
	Score           core.QualityScore `json:"score"`
	StepsCompleted  int               `json:"steps_completed"`
	TotalSteps      int               `json:"total_steps"`
	ProgressPercent float64           `json:"progress_percent"`
	NextPrompt      string            `json:"next_prompt,omitempty"`
	Completed       bool              `json:"completed"`
	ProfileGrade    core.Grade        `json:"profile_grade,omitempty"`
}

type sessionRequest struct {
	Header    events.EventHeader `json:"header"`
	SessionID string             `json:"session_id"`
}

type listProfilesRequest struct {
	Header events.EventHeader `json:"header"`
}

type profileRequest struct {
	Header    events.EventHeader `json:"header"`
	ProfileID string             `json:"profile_id"`
	SessionID string             `json:"session_id,omitempty"`
}

type useVoiceRequest struct {
	Header    events.EventHeader `json:"header"`
	ProfileID string             `json:"profile_id"`
	Text      string             `json:"text"`
	Language  string             `json:"language"`
}

type useVoiceResponse struct {
	OutputKey string `json:"output_key"`
	ByteCount int    `json:"byte_count"`
}

type metricsResponse struct {
	System   health.SystemGauges   `json:"system"`
	Requests []health.RequestCount `json:"requests"`
}

func (s *Service) handleStartSession(ctx context.Context, data []byte) (any, error) {
	req, decodeErr := decode[startSessionRequest](data)
	if decodeErr != nil {
		return nil, decodeErr
	}

	if req.Header.UserID == "" {
		return nil, core.NewError(core.CodeValidation, "user id is required")
	}

	result, err := s.sessions.Start(ctx, req.Header.UserID, req.ProfileName, req.Description, req.TotalSteps)
	if err != nil {
		return nil, err
	}

	return startSessionResponse{
		SessionID:  result.SessionID,
		ProfileID:  result.ProfileID,
		TotalSteps: result.TotalSteps,
		NextPrompt: result.NextPrompt,
	}, nil
}

func (s *Service) handleSubmitStep(ctx context.Context, data []byte) (any, error) {
	req, decodeErr := decode[submitStepRequest](data)
	if decodeErr != nil {
		return nil, decodeErr
	}

	result, err := s.sessions.SubmitStep(
		ctx, req.SessionID, req.StepIndex, req.Audio, core.AudioMetadata{Format: req.Format},
	)
	if err != nil {
		return nil, err
	}

	return submitStepResponse{
		Score:           result.Score,
		StepsCompleted:  result.StepsCompleted,
		TotalSteps:      result.TotalSteps,
		ProgressPercent: 100 * float64(result.StepsCompleted) / float64(result.TotalSteps),
		NextPrompt:      result.NextPrompt,
		Completed:       result.Completed,
		ProfileGrade:    result.ProfileGrade,
	}, nil
}

func (s *Service) handleSessionProgress(ctx context.Context, data []byte) (any, error) {
	req, decodeErr := decode[sessionRequest](data)
	if decodeErr != nil {
		return nil, decodeErr
	}

	progress, err := s.sessions.Progress(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	return progress, nil
}

func (s *Service) handleAbandonSession(ctx context.Context, data []byte) (any, error) {
	req, decodeErr := decode[sessionRequest](data)
	if decodeErr != nil {
		return nil, decodeErr
	}

	err := s.sessions.Abandon(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	return nil, nil
}

func (s *Service) handleListProfiles(ctx context.Context, data []byte) (any, error) {
	req, decodeErr := decode[listProfilesRequest](data)
	if decodeErr != nil {
		return nil, decodeErr
	}

	if req.Header.UserID == "" {
		return nil, core.NewError(core.CodeValidation, "user id is required")
	}

	return s.profiles.ListByOwner(ctx, req.Header.UserID), nil
}

func (s *Service) handleGetProfile(ctx context.Context, data []byte) (any, error) {
	req, decodeErr := decode[profileRequest](data)
	if decodeErr != nil {
		return nil, decodeErr
	}

	profile, err := s.profiles.Get(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}

	return profile, nil
}

func (s *Service) handleDeleteProfile(ctx context.Context, data []byte) (any, error) {
	req, decodeErr := decode[profileRequest](data)
	if decodeErr != nil {
		return nil, decodeErr
	}

	err := s.profiles.Delete(ctx, req.ProfileID, req.SessionID)
	if err != nil {
		return nil, err
	}

	return nil, nil
}

func (s *Service) handleUseVoice(ctx context.Context, data []byte) (any, error) {
	req, decodeErr := decode[useVoiceRequest](data)
	if decodeErr != nil {
		return nil, decodeErr
	}

	if req.Header.UserID == "" {
		return nil, core.NewError(core.CodeValidation, "user id is required")
	}

	result, err := s.dispatcher.UseVoice(ctx, req.Header.UserID, req.ProfileID, req.Text, req.Language)
	if err != nil {
		return nil, err
	}

	return useVoiceResponse{
		OutputKey: result.OutputKey,
		ByteCount: result.ByteCount,
	}, nil
}

func (s *Service) handleHealth(ctx context.Context, _ []byte) (any, error) {
	return s.monitor.Report(ctx), nil
}

func (s *Service) handleMetrics(ctx context.Context, _ []byte) (any, error) {
	requests, err := s.metrics.RequestCounts()
	if err != nil {
		return nil, fmt.Errorf("failed to collect request counters: %w", err)
	}

	return metricsResponse{
		System:   s.monitor.System(ctx),
		Requests: requests,
	}, nil
}
