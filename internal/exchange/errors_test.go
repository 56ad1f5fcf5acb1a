package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfClassified(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		retryable bool
	}{
		{"transient", NewAPIError(KindTransient, 0, "timeout", nil), KindTransient, true},
		{"rate limit", NewAPIError(KindRateLimit, -1003, "too many requests", nil), KindRateLimit, true},
		{"clock drift", NewAPIError(KindClockDrift, -1021, "timestamp outside recvWindow", nil), KindClockDrift, false},
		{"rejection", NewAPIError(KindRejected, -2019, "margin is insufficient", nil), KindRejected, false},
		{"critical", NewAPIError(KindCritical, 0, "failure budget exceeded", nil), KindCritical, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, KindOf(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := NewAPIError(KindRejected, -4164, "order's notional must be no smaller than 5", nil)
	wrapped := fmt.Errorf("open pair: %w", inner)

	assert.Equal(t, KindRejected, KindOf(wrapped))
	assert.False(t, IsRetryable(wrapped))

	var apiErr *APIError
	assert.True(t, errors.As(wrapped, &apiErr))
	assert.Equal(t, -4164, apiErr.VenueCode)
}

func TestKindOfUnclassified(t *testing.T) {
	err := errors.New("connection reset by peer")
	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, IsRetryable(err))
}
