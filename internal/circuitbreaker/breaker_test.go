package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(threshold, time.Minute).WithClock(clk.now), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	assert.True(t, b.Allow("kafka"))

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	assert.True(t, b.Allow("kafka"), "still closed below threshold")

	b.RecordFailure("kafka")
	assert.False(t, b.Allow("kafka"))
	assert.Equal(t, StateOpen, b.State("kafka"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure("kafka")
	b.RecordSuccess("kafka")
	b.RecordFailure("kafka")
	assert.Equal(t, StateClosed, b.State("kafka"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name     string
		probeErr error
		want     State
	}{
		{"probe succeeds", nil, StateClosed},
		{"probe fails", errors.New("still down"), StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(1)
			b.RecordFailure("kafka")
			require.False(t, b.Allow("kafka"))

			clk.advance(time.Minute)
			require.True(t, b.Allow("kafka"), "cooldown elapsed, probe admitted")
			assert.Equal(t, StateHalfOpen, b.State("kafka"))
			assert.False(t, b.Allow("kafka"), "only one probe at a time")

			if tt.probeErr != nil {
				b.RecordFailure("kafka")
			} else {
				b.RecordSuccess("kafka")
			}
			assert.Equal(t, tt.want, b.State("kafka"))
		})
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(1)
	boom := errors.New("boom")

	assert.ErrorIs(t, b.Do("kafka", func() error { return boom }), boom)

	called := false
	err := b.Do("kafka", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	assert.NoError(t, b.Do("other", func() error { return nil }), "keys are independent")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
