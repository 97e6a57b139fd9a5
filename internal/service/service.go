// Package service exposes the voice-profile operations over NATS
// request-reply. Every reply uses the structured envelope: success flag,
// payload, classified error, suggestions, and request id.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/dispatch"
	"github.com/book-expert/voice-profile-service/internal/health"
	"github.com/book-expert/voice-profile-service/internal/profilestore"
	"github.com/book-expert/voice-profile-service/internal/session"
)

// Subject suffixes, one per operation. The full subject is the configured
// prefix joined with the suffix.
const (
	SubjectStartSession    = "session.start"
	SubjectSubmitStep      = "session.submit"
	SubjectSessionProgress = "session.progress"
	SubjectAbandonSession  = "session.abandon"
	SubjectListProfiles    = "profile.list"
	SubjectGetProfile      = "profile.get"
	SubjectDeleteProfile   = "profile.delete"
	SubjectUseVoice        = "synthesize"
	SubjectHealth          = "health"
	SubjectMetrics         = "metrics"
)

// Handler timeouts. Synthesis carries its own wall-clock budget, so its
// message timeout only needs to exceed it.
const (
	handleMessageTimeout = 30 * time.Second
	synthesizeTimeout    = 5 * time.Minute
)

// Service wires the NATS subjects to the domain components.
type Service struct {
	natsConnection *nats.Conn
	prefix         string
	sessions       *session.Manager
	profiles       *profilestore.Store
	dispatcher     *dispatch.Dispatcher
	monitor        *health.Monitor
	metrics        *health.Metrics
	log            *logger.Logger
}

// New creates a service.
func New(
	natsConnection *nats.Conn,
	prefix string,
	sessions *session.Manager,
	profiles *profilestore.Store,
	dispatcher *dispatch.Dispatcher,
	monitor *health.Monitor,
	metrics *health.Metrics,
	log *logger.Logger,
) *Service {
	return &Service{
		natsConnection: natsConnection,
		prefix:         prefix,
		sessions:       sessions,
		profiles:       profiles,
		dispatcher:     dispatcher,
		monitor:        monitor,
		metrics:        metrics,
		log:            log,
	}
}

// Run subscribes every operation subject and blocks until the context is
// cancelled, then drains the subscriptions.
func (s *Service) Run(ctx context.Context) error {
	type operation struct {
		suffix  string
		timeout time.Duration
		handle  func(ctx context.Context, data []byte) (any, error)
	}

	operations := []operation{
		{SubjectStartSession, handleMessageTimeout, s.handleStartSession},
		{SubjectSubmitStep, handleMessageTimeout, s.handleSubmitStep},
		{SubjectSessionProgress, handleMessageTimeout, s.handleSessionProgress},
		{SubjectAbandonSession, handleMessageTimeout, s.handleAbandonSession},
		{SubjectListProfiles, handleMessageTimeout, s.handleListProfiles},
		{SubjectGetProfile, handleMessageTimeout, s.handleGetProfile},
		{SubjectDeleteProfile, handleMessageTimeout, s.handleDeleteProfile},
		{SubjectUseVoice, synthesizeTimeout, s.handleUseVoice},
		{SubjectHealth, handleMessageTimeout, s.handleHealth},
		{SubjectMetrics, handleMessageTimeout, s.handleMetrics},
	}

	subscriptions := make([]*nats.Subscription, 0, len(operations))

	for _, op := range operations {
		subject := s.prefix + "." + op.suffix

		sub, err := s.natsConnection.Subscribe(subject, s.wrap(op.suffix, op.timeout, op.handle))
		if err != nil {
			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}

		subscriptions = append(subscriptions, sub)
	}

	s.log.Info("Service listening on %d subjects under prefix '%s'", len(operations), s.prefix)

	<-ctx.Done()

	for _, sub := range subscriptions {
		drainErr := sub.Drain()
		if drainErr != nil {
			return fmt.Errorf("failed to drain subscription: %w", drainErr)
		}
	}

	return nil
}

// wrap adapts one operation handler into a NATS message callback: it runs
// the handler under a timeout, records metrics, and replies with the
// envelope.
func (s *Service) wrap(
	operation string, timeout time.Duration, handle func(ctx context.Context, data []byte) (any, error),
) nats.MsgHandler {
	return func(msg *nats.Msg) {
		started := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		requestID := requestIDFrom(msg.Data)

		payload, err := handle(ctx, msg.Data)

		status := "ok"
		if err != nil {
			status = string(core.CodeOf(err))
		}

		s.metrics.RecordRequest(operation, status, time.Since(started))

		s.respond(msg, operation, requestID, payload, err)
	}
}

func (s *Service) respond(msg *nats.Msg, operation, requestID string, payload any, err error) {
	envelope := response{
		Success:     err == nil,
		Data:        payload,
		Error:       nil,
		Suggestions: nil,
		RequestID:   requestID,
	}

	if err != nil {
		domainErr := core.AsDomainError(err)
		envelope.Error = &errorBody{
			Code:    string(domainErr.Code),
			Message: domainErr.Message,
			Details: domainErr.Details,
		}
		envelope.Suggestions = domainErr.Suggestions

		s.log.Warn("Operation %s failed (%s): %v", operation, requestID, err)
	}

	replyData, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		s.log.Error("Failed to marshal reply for operation %s: %v", operation, marshalErr)

		return
	}

	respondErr := msg.Respond(replyData)
	if respondErr != nil {
		s.log.Error("Failed to publish reply for operation %s: %v", operation, respondErr)
	}
}

// requestIDFrom recovers the caller's event id, generating one when the
// request carries none so every reply is correlatable.
func requestIDFrom(data []byte) string {
	var probe struct {
		Header events.EventHeader `json:"header"`
	}

	err := json.Unmarshal(data, &probe)
	if err == nil && probe.Header.EventID != "" {
		return probe.Header.EventID
	}

	return uuid.NewString()
}

func decode[T any](data []byte) (T, error) {
	var req T

	err := json.Unmarshal(data, &req)
	if err != nil {
		return req, core.NewError(core.CodeValidation, "failed to decode request: %v", err)
	}

	return req, nil
}
