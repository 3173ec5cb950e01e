package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryabilityFollowsCode(t *testing.T) {
	cases := []struct {
		code      Code
		retryable bool
	}{
		{CodeAuth, false},
		{CodePermission, false},
		{CodeValidation, false},
		{CodeRateLimit, true},
		{CodeNetwork, true},
		{CodeVenue, true},
		{CodeInsufficientBalance, false},
		{CodeInvalidSymbol, false},
		{CodeSlippage, false},
		{CodeBreakerOpen, false},
		{CodeNotFound, false},
		{CodeInternal, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			err := New(tc.code, "boom")
			assert.Equal(t, tc.retryable, IsRetryable(err))
			assert.Equal(t, tc.code, CodeOf(err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeNetwork, "venue unreachable", cause)

	require.True(t, errors.Is(err, cause))
	assert.Equal(t, CodeNetwork, CodeOf(err))
	assert.True(t, IsRetryable(err))
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeSlippage, "82 bps exceeds 50 bps"))

	assert.True(t, Is(err, CodeSlippage))
	assert.False(t, Is(err, CodeNetwork))
	assert.True(t, errors.Is(err, New(CodeSlippage, "")))
}

func TestWithRetriesAnnotatesMessage(t *testing.T) {
	err := New(CodeVenue, "upstream 503").WithRetries(3)

	assert.Equal(t, 3, err.Retries)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Contains(t, err.Error(), "VENUE_ERROR")
}

func TestCodeOfUnclassified(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 401, HTTPStatus(CodeAuth))
	assert.Equal(t, 429, HTTPStatus(CodeRateLimit))
	assert.Equal(t, 404, HTTPStatus(CodeNotFound))
	assert.Equal(t, 422, HTTPStatus(CodeSlippage))
	assert.Equal(t, 502, HTTPStatus(CodeBreakerOpen))
	assert.Equal(t, 500, HTTPStatus(CodeInternal))
}
