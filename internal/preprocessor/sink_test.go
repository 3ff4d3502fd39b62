package preprocessor_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zbxsystems/zbxcore/internal/preprocessor"
)

func TestMemSinkSubmitThenFlushDrainsToHistory(t *testing.T) {
	s := preprocessor.NewMemSink()
	s.Submit(preprocessor.Value{ItemID: 1, State: preprocessor.StateNormal, Value: []byte("42")})
	s.Submit(preprocessor.Value{ItemID: 2, State: preprocessor.StateNotSupported, ErrorMsg: "boom"})

	require.Len(t, s.Pending(), 2)
	require.Empty(t, s.Flushed())

	s.Flush()
	require.Empty(t, s.Pending())
	require.Len(t, s.Flushed(), 1)
	require.Len(t, s.Flushed()[0], 2)
}

func TestMemSinkFlushWithNothingPendingIsNoop(t *testing.T) {
	s := preprocessor.NewMemSink()
	s.Flush()
	require.Empty(t, s.Flushed())
}
