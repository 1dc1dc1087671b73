package neterr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := Wrap(ErrCodeDialFailed, io.ErrUnexpectedEOF)
	assert.Equal(t, "[E3001] Failed to connect to destination: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	bare := New(ErrCodeInvalidShaping, "negative upload speed", nil)
	assert.Equal(t, "[E1001] negative upload speed", bare.Error())
}

func TestRangeHelpers(t *testing.T) {
	tests := []struct {
		code  string
		check func(error) bool
	}{
		{ErrCodeInvalidShaping, IsConfigError},
		{ErrCodeInvalidPresetTable, IsConfigError},
		{ErrCodeInvalidPort, IsResolutionError},
		{ErrCodeDNSFailure, IsResolutionError},
		{ErrCodeCONNECTRefused, IsConnectError},
		{ErrCodeClassificationTimeout, IsClassificationError},
		{ErrCodeBufferTooSmall, IsBufferTooSmall},
		{ErrCodeConcurrencyLimitReached, IsResourceError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := fmt.Errorf("flow failed: %w", Wrap(tt.code, nil))
			assert.True(t, tt.check(err))
			assert.Equal(t, tt.code, Code(err))
		})
	}

	assert.False(t, IsConfigError(errors.New("plain")))
	assert.False(t, IsConnectError(Wrap(ErrCodeInvalidPort, nil)))
	assert.Equal(t, "", Code(nil))
}

func TestDescriptionUnknown(t *testing.T) {
	assert.Equal(t, "Unknown error code", Description("E0000"))
}
