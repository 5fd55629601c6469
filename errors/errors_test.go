package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifiedError_WrapFormat(t *testing.T) {
	base := stderrors.New("boom")
	err := WrapTransient(base, "Connection", "Connect", "dial endpoint")

	require.Error(t, err)
	assert.Equal(t, "Connection.Connect: dial endpoint failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapAuth(nil, "c", "m", "a"))
	assert.NoError(t, WrapDecode(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient sentinel", ErrConnectionTimeout, ErrorTransient},
		{"auth sentinel", ErrTokenExpired, ErrorAuth},
		{"decode sentinel", ErrMalformedFrame, ErrorDecode},
		{"integrity sentinel", ErrDanglingRef, ErrorStoreIntegrity},
		{"already exists sentinel", ErrAlreadyExists, ErrorAlreadyExists},
		{"fatal sentinel", ErrInvalidConfig, ErrorFatal},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"unknown defaults to transient", stderrors.New("mystery"), ErrorTransient},
		{"wrapped auth", WrapAuth(stderrors.New("401"), "Transport", "Do", "authenticate"), ErrorAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPredicates_RespectWrappingChains(t *testing.T) {
	inner := WrapDecode(ErrInvalidPayload, "Decoder", "Decode", "unmarshal event")
	outer := fmt.Errorf("pipeline: %w", inner)

	assert.True(t, IsDecode(outer))
	assert.False(t, IsTransient(outer))
	assert.False(t, IsAuth(outer))
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(stderrors.New("i/o timeout")))
	assert.False(t, IsTransient(stderrors.New("permission denied")))
	assert.False(t, IsTransient(nil))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "auth", ErrorAuth.String())
	assert.Equal(t, "decode", ErrorDecode.String())
	assert.Equal(t, "store_integrity", ErrorStoreIntegrity.String())
	assert.Equal(t, "already_exists", ErrorAlreadyExists.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
