package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"back pressured", ErrBackPressured, true},
		{"admin action", ErrAdminAction, true},
		{"not connected", ErrNotConnected, true},
		{"wrapped back pressure", fmt.Errorf("offer: %w", ErrBackPressured), true},
		{"deadline", context.DeadlineExceeded, true},
		{"closed", ErrClosed, false},
		{"invalid frame", ErrInvalidFrame, false},
		{"timeout in message", fmt.Errorf("i/o timeout"), true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrDataCorrupted))
	assert.True(t, IsFatal(ErrMaxPositionExceeded))
	assert.True(t, IsFatal(fmt.Errorf("wrap: %w", ErrInvalidConfig)))
	assert.False(t, IsFatal(ErrBackPressured))
}

func TestIsInvalid(t *testing.T) {
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsInvalid(ErrShortFrame))
	assert.True(t, IsInvalid(ErrUnknownFrameType))
	assert.True(t, IsInvalid(ErrInvalidChannel))
	assert.False(t, IsInvalid(ErrNotConnected))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrAdminAction))
	assert.Equal(t, ErrorFatal, Classify(ErrDataCorrupted))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidVersion))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Sender", "send", "write"))

	err := Wrap(ErrShortFrame, "Receiver", "onDatagram", "decode")
	assert.Equal(t, "Receiver.onDatagram: decode failed: frame shorter than header", err.Error())
	assert.True(t, errors.Is(err, ErrShortFrame))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("socket gone")

	transient := WrapTransient(base, "Sender", "send", "write")
	fatal := WrapFatal(base, "Image", "insert", "rebuild")
	invalid := WrapInvalid(base, "Config", "Validate", "mtu")

	var ce *ClassifiedError
	assert.True(t, errors.As(fatal, &ce))
	assert.Equal(t, ErrorFatal, ce.Class)
	assert.Equal(t, "Image", ce.Component)
	assert.Equal(t, "insert", ce.Operation)

	assert.True(t, IsTransient(transient))
	assert.True(t, IsFatal(fatal))
	assert.True(t, IsInvalid(invalid))
	assert.True(t, errors.Is(invalid, base))

	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
}

func TestClassifiedError_NoMessage(t *testing.T) {
	ce := &ClassifiedError{Class: ErrorInvalid, Err: ErrShortFrame}
	assert.Equal(t, ErrShortFrame.Error(), ce.Error())
	assert.Equal(t, ErrShortFrame, ce.Unwrap())
}
