package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermanentAndTransientClassification(t *testing.T) {
	base := errors.New("boom")
	perm := Permanent(ReasonCorruptFile, base)
	trans := Transient(ReasonRateLimited, base)

	assert.True(t, IsPermanent(perm))
	assert.False(t, IsTransient(perm))
	assert.True(t, IsTransient(trans))
	assert.False(t, IsPermanent(trans))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("extract stage: %w", perm)
	assert.True(t, IsPermanent(wrapped))
	assert.Equal(t, ReasonCorruptFile, ReasonOf(wrapped))
	require.ErrorIs(t, wrapped, base)
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"permanent", Permanent(ReasonUnsupportedFormat, nil), ReasonUnsupportedFormat},
		{"transient", Transient(ReasonProviderUnavailable, nil), ReasonProviderUnavailable},
		{"deadline", context.DeadlineExceeded, ReasonTimeout},
		{"canceled", context.Canceled, ReasonCanceled},
		{"plain", errors.New("surprise"), ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonOf(tt.err))
		})
	}
}

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason string
		transient  bool
	}{
		{"rate limited", errors.New("429 Too Many Requests"), ReasonRateLimited, true},
		{"quota", errors.New("quota exceeded for project"), ReasonRateLimited, true},
		{"unavailable", errors.New("503 service unavailable"), ReasonProviderUnavailable, true},
		{"timeout string", errors.New("request timeout"), ReasonProviderUnavailable, true},
		{"unknown network-ish", errors.New("connection reset by peer"), ReasonProviderUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyProviderError(tt.err)
			assert.Equal(t, tt.transient, IsTransient(got))
			assert.Equal(t, tt.wantReason, ReasonOf(got))
		})
	}
}

func TestClassifyProviderErrorKeepsExistingClassification(t *testing.T) {
	perm := Permanent(ReasonDimensionMismatch, errors.New("got 768, want 1536"))
	assert.Same(t, perm, ClassifyProviderError(perm))

	assert.NoError(t, ClassifyProviderError(nil))
}

func TestClassifyProviderErrorContextErrors(t *testing.T) {
	got := ClassifyProviderError(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.True(t, IsTransient(got))
	assert.Equal(t, ReasonTimeout, ReasonOf(got))

	canceled := ClassifyProviderError(context.Canceled)
	assert.False(t, IsTransient(canceled), "cancellation is not retryable")
	require.ErrorIs(t, canceled, context.Canceled)
}

func TestTenantScopeValidate(t *testing.T) {
	require.ErrorIs(t, TenantScope{}.Validate(), ErrUnscopedQuery)
	require.NoError(t, TenantScope{TenantID: "t1"}.Validate())
	require.NoError(t, TenantScope{TenantID: "t1", MatterID: "m1"}.Validate())
}
