package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestTracker(clock *fakeClock) *healthTracker {
	return newHealthTracker(HealthSettings{
		FailureWindow:     time.Minute,
		DegradedThreshold: 0.5,
		DownAfterFatals:   2,
		RecoveryCooldown:  30 * time.Second,
		MinWindowSamples:  4,
	}, clock.Now)
}

func TestHealthTracker(t *testing.T) {
	t.Run("ShouldStayHealthyBelowMinimumSamples", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		tracker := newTestTracker(clock)
		tracker.RecordFailure(false)
		tracker.RecordFailure(false)
		assert.Equal(t, HealthHealthy, tracker.State())
	})

	t.Run("ShouldDegradeWhenFailureRateExceedsThreshold", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		tracker := newTestTracker(clock)
		tracker.RecordSuccess()
		tracker.RecordFailure(false)
		tracker.RecordFailure(false)
		tracker.RecordFailure(false)
		assert.Equal(t, HealthDegraded, tracker.State())
	})

	t.Run("ShouldRecoverToHealthyAsWindowFills", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		tracker := newTestTracker(clock)
		tracker.RecordSuccess()
		tracker.RecordFailure(false)
		tracker.RecordFailure(false)
		tracker.RecordFailure(false)
		require.Equal(t, HealthDegraded, tracker.State())
		for i := 0; i < 4; i++ {
			tracker.RecordSuccess()
		}
		assert.Equal(t, HealthHealthy, tracker.State())
	})

	t.Run("ShouldGoDownAfterConsecutiveFatalsWhileDegraded", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		tracker := newTestTracker(clock)
		tracker.RecordSuccess()
		tracker.RecordFailure(false)
		tracker.RecordFailure(false)
		tracker.RecordFailure(false)
		require.Equal(t, HealthDegraded, tracker.State())
		tracker.RecordFailure(true)
		assert.Equal(t, HealthDegraded, tracker.State())
		tracker.RecordFailure(true)
		assert.Equal(t, HealthDown, tracker.State())
	})

	t.Run("ShouldForgetObservationsOutsideWindow", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		tracker := newTestTracker(clock)
		for i := 0; i < 4; i++ {
			tracker.RecordFailure(false)
		}
		require.Equal(t, HealthDegraded, tracker.State())
		clock.Advance(2 * time.Minute)
		for i := 0; i < 4; i++ {
			tracker.RecordSuccess()
		}
		assert.Equal(t, HealthHealthy, tracker.State())
	})

	t.Run("ShouldGateProbesOnCooldown", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		tracker := newTestTracker(clock)
		tracker.MarkDown()

		assert.False(t, tracker.AllowProbe(), "cooldown has not elapsed")
		clock.Advance(31 * time.Second)
		assert.True(t, tracker.AllowProbe())
		assert.False(t, tracker.AllowProbe(), "only one probe in flight at a time")
	})

	t.Run("ShouldRestoreHealthyOnSuccessfulProbe", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		tracker := newTestTracker(clock)
		tracker.MarkDown()
		clock.Advance(time.Minute)
		require.True(t, tracker.AllowProbe())
		tracker.RecordSuccess()
		assert.Equal(t, HealthHealthy, tracker.State())
	})

	t.Run("ShouldRestartCooldownOnFailedProbe", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		tracker := newTestTracker(clock)
		tracker.MarkDown()
		clock.Advance(time.Minute)
		require.True(t, tracker.AllowProbe())
		tracker.RecordFailure(false)
		assert.Equal(t, HealthDown, tracker.State())
		assert.False(t, tracker.AllowProbe(), "failed probe restarts the cooldown")
		clock.Advance(31 * time.Second)
		assert.True(t, tracker.AllowProbe())
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		code ErrorCode
	}{
		{"ShouldClassifyTimeout", "request timed out", ErrCodeTimeout},
		{"ShouldClassifyDeadline", "context deadline exceeded", ErrCodeTimeout},
		{"ShouldClassifyRateLimit", "429 too many requests", ErrCodeRateLimited},
		{"ShouldClassifyQuota", "quota exceeded for project", ErrCodeRateLimited},
		{"ShouldClassifyAuth", "401 unauthorized", ErrCodeAuthFailed},
		{"ShouldClassifyInvalidKey", "invalid api key provided", ErrCodeAuthFailed},
		{"ShouldDefaultToInvalidResponse", "unexpected EOF", ErrCodeInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			perr := Classify("primary", assert.AnError)
			require.NotNil(t, perr)
			perr = Classify("primary", errMessage(tc.msg))
			assert.Equal(t, tc.code, perr.Code)
			assert.Equal(t, "primary", perr.Provider)
		})
	}

	t.Run("ShouldParseRetryAfterHint", func(t *testing.T) {
		perr := Classify("primary", errMessage("rate limit exceeded, retry after 7s"))
		assert.Equal(t, ErrCodeRateLimited, perr.Code)
		assert.Equal(t, 7*time.Second, perr.RetryAfter)
	})

	t.Run("ShouldPreserveAlreadyClassifiedErrors", func(t *testing.T) {
		original := NewError(ErrCodeAuthFailed, "primary", "bad key", nil)
		perr := Classify("secondary", original)
		assert.Same(t, original, perr)
	})
}

type errMessage string

func (e errMessage) Error() string { return string(e) }
