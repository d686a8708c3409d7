package ccerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	e := New(CertificateExpired, "leaf certificate expired")
	wire := e.Marshal()

	got := Unmarshal(wire)
	var gotErr *Error
	require.True(t, errors.As(got, &gotErr))
	require.Equal(t, CertificateExpired, gotErr.Kind)
	require.Equal(t, "leaf certificate expired", gotErr.Message)
}

func TestUnmarshalMalformedFallsBackToInternal(t *testing.T) {
	got := Unmarshal("just a plain string with no json half")
	var gotErr *Error
	require.True(t, errors.As(got, &gotErr))
	require.Equal(t, Internal, gotErr.Kind)
}

func TestIsMatchesByKindOnly(t *testing.T) {
	a := New(NotFound, "conversation not found")
	b := New(NotFound, "different message, same kind")
	require.True(t, errors.Is(a, b))

	c := New(Unauthorized, "denied")
	require.False(t, errors.Is(a, c))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying aead failure")
	wrapped := Wrap(CryptoFailure, "", cause)
	require.Equal(t, cause.Error(), wrapped.Message)
	require.ErrorIs(t, wrapped, cause)
}
