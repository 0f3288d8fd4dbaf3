package amqp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithSecureRewriteOnlyAppliesInSecureState(t *testing.T) {
	cause := newErr(ErrIo)

	rewritten := withSecureRewrite(cause, stateSecure{})
	ae, ok := rewritten.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrInvalidCredentials, ae.Kind)
	require.True(t, errors.Is(ae, cause) || errors.Unwrap(ae) != nil)

	unchanged := withSecureRewrite(cause, stateSteady{})
	require.Same(t, cause, unchanged)
}

func TestWithSecureRewritePassesThroughNil(t *testing.T) {
	require.Nil(t, withSecureRewrite(nil, stateSecure{}))
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	inner := errors.New("socket reset")
	wrapped := wrapErr(inner, ErrIo)
	require.ErrorIs(t, wrapped, inner)
}

func TestErrorMessageIncludesCloseDetails(t *testing.T) {
	err := newCloseErr(ErrServerClosedConnection, 320, "going away")
	require.Contains(t, err.Error(), "320")
	require.Contains(t, err.Error(), "going away")
}

func TestErrorMessageIncludesFrameMaxMinimum(t *testing.T) {
	err := newFrameMaxErr(4096)
	require.Contains(t, err.Error(), "4096")
}
