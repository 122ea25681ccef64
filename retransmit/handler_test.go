package retransmit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const termLength = 64 * 1024

type resendRecorder struct {
	calls [][3]int32
}

func (r *resendRecorder) resend(termID, termOffset, length int32) {
	r.calls = append(r.calls, [3]int32{termID, termOffset, length})
}

func TestHandler_ImmediateResendAndCoalescing(t *testing.T) {
	h := NewHandler(Config{Linger: 20 * time.Millisecond})
	rec := &resendRecorder{}
	now := time.Unix(0, 0)

	assert.True(t, h.OnNak(5, 1024, 512, termLength, now, rec.resend))
	assert.False(t, h.OnNak(5, 1024, 512, termLength, now.Add(time.Millisecond), rec.resend), "duplicate within linger")
	assert.True(t, h.OnNak(5, 2048, 512, termLength, now, rec.resend), "different offset")
	assert.Equal(t, [][3]int32{{5, 1024, 512}, {5, 2048, 512}}, rec.calls)

	h.ProcessTimeouts(now.Add(20*time.Millisecond), rec.resend)
	assert.Zero(t, h.Active())
	assert.True(t, h.OnNak(5, 1024, 512, termLength, now.Add(21*time.Millisecond), rec.resend), "reissued after linger")
}

func TestHandler_DelayedResend(t *testing.T) {
	h := NewHandler(Config{Delay: 5 * time.Millisecond, Linger: 10 * time.Millisecond})
	rec := &resendRecorder{}
	now := time.Unix(0, 0)

	assert.True(t, h.OnNak(1, 0, 64, termLength, now, rec.resend))
	assert.Empty(t, rec.calls)
	assert.False(t, h.OnNak(1, 0, 64, termLength, now.Add(time.Millisecond), rec.resend))

	assert.Zero(t, h.ProcessTimeouts(now.Add(4*time.Millisecond), rec.resend))
	assert.Equal(t, 1, h.ProcessTimeouts(now.Add(5*time.Millisecond), rec.resend))
	assert.Len(t, rec.calls, 1)
	assert.Equal(t, 1, h.Active())

	h.ProcessTimeouts(now.Add(15*time.Millisecond), rec.resend)
	assert.Zero(t, h.Active())
}

func TestHandler_MaxActions(t *testing.T) {
	h := NewHandler(Config{MaxActions: 2, Linger: time.Second})
	rec := &resendRecorder{}
	now := time.Unix(0, 0)

	assert.True(t, h.OnNak(1, 0, 32, termLength, now, rec.resend))
	assert.True(t, h.OnNak(1, 32, 32, termLength, now, rec.resend))
	assert.False(t, h.OnNak(1, 64, 32, termLength, now, rec.resend))
	assert.Equal(t, int64(1), h.Dropped())
}

func TestHandler_InvalidRangesAndClamp(t *testing.T) {
	h := NewHandler(Config{})
	rec := &resendRecorder{}
	now := time.Unix(0, 0)

	assert.False(t, h.OnNak(1, -32, 32, termLength, now, rec.resend))
	assert.False(t, h.OnNak(1, 0, 0, termLength, now, rec.resend))
	assert.False(t, h.OnNak(1, termLength, 32, termLength, now, rec.resend))

	assert.True(t, h.OnNak(1, termLength-64, 1024, termLength, now, rec.resend))
	assert.Equal(t, [][3]int32{{1, termLength - 64, 64}}, rec.calls, "length clamped to the term")
}
