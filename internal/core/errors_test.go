// Package core_test tests the classified error type.
package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-profile-service/internal/core"
)

func TestDomainErrorMessage(t *testing.T) {
	t.Parallel()

	err := core.NewError(core.CodeProfileNotFound, "profile '%s' not found", "abc")

	assert.Equal(t, "PROFILE_NOT_FOUND: profile 'abc' not found", err.Error())
}

func TestCodeOfWrappedError(t *testing.T) {
	t.Parallel()

	inner := core.NewError(core.CodeRateLimited, "quota exhausted")
	wrapped := fmt.Errorf("handling request: %w", inner)

	assert.Equal(t, core.CodeRateLimited, core.CodeOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, core.CodeInternal, core.CodeOf(errors.New("disk on fire")))
}

func TestAsDomainErrorHidesInternalDetail(t *testing.T) {
	t.Parallel()

	domainErr := core.AsDomainError(errors.New("connection string leaked"))

	require.NotNil(t, domainErr)
	assert.Equal(t, core.CodeInternal, domainErr.Code)
	assert.NotContains(t, domainErr.Message, "connection string")
}

func TestWithDetailAndSuggestions(t *testing.T) {
	t.Parallel()

	err := core.NewError(core.CodeAudioQualityRejected, "below threshold").
		WithDetail("composite", 0.31).
		WithSuggestions("record in a quieter room")

	assert.InEpsilon(t, 0.31, err.Details["composite"], 0.001)
	assert.Equal(t, []string{"record in a quieter room"}, err.Suggestions)
}
