package xerrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zbxsystems/zbxcore/internal/xerrors"
)

func TestIsMatchesOwnKind(t *testing.T) {
	err := xerrors.PrepareError("bad url", nil)
	require.True(t, xerrors.Is(err, xerrors.KindPrepareError))
	require.False(t, xerrors.Is(err, xerrors.KindFatal))
}

func TestIsUnwrapsThroughWrapping(t *testing.T) {
	inner := xerrors.TransientDB("deadlock", nil)
	wrapped := fmt.Errorf("batch update: %w", inner)
	require.True(t, xerrors.Is(wrapped, xerrors.KindTransientDB))
}

func TestIsFalseForPlainErrors(t *testing.T) {
	require.False(t, xerrors.Is(errors.New("plain"), xerrors.KindFatal))
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := xerrors.Fatal("dial nats", cause)
	require.Contains(t, err.Error(), "connection refused")
	require.Contains(t, err.Error(), "fatal")
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := xerrors.ParseWarning("bad duration", cause)
	require.Equal(t, cause, errors.Unwrap(err))
}
