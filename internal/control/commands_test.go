package control

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foldlattice/agent/internal/logger"
)

func TestDispatchRoutesKnownCommands(t *testing.T) {
	var dumped, restarted bool
	var gotState, gotGroup string
	var gotToken, gotName string
	var gotUnit string
	var gotFrame int
	var logEnabled, wusEnabled bool

	h := Handlers{
		Dump:    func() { dumped = true },
		State:   func(state, group string) { gotState, gotGroup = state, group },
		Restart: func() { restarted = true },
		Link:    func(token, name string) { gotToken, gotName = token, name },
		Viz:     func(unit string, frame int) { gotUnit, gotFrame = unit, frame },
		Log:     func(enable bool) { logEnabled = enable },
		WUs:     func(enable bool) { wusEnabled = enable },
	}
	log := logger.ComponentLogger("test")

	h.Dispatch(Command{Cmd: "dump"}, log)
	require.True(t, dumped)

	h.Dispatch(Command{Cmd: "state", State: "PAUSE", Group: "default"}, log)
	require.Equal(t, "PAUSE", gotState)
	require.Equal(t, "default", gotGroup)

	h.Dispatch(Command{Cmd: "restart"}, log)
	require.True(t, restarted)

	h.Dispatch(Command{Cmd: "link", Token: "tok", Name: "box"}, log)
	require.Equal(t, "tok", gotToken)
	require.Equal(t, "box", gotName)

	h.Dispatch(Command{Cmd: "viz", Unit: "u1", Frame: 7}, log)
	require.Equal(t, "u1", gotUnit)
	require.Equal(t, 7, gotFrame)

	enable := true
	h.Dispatch(Command{Cmd: "log", Enable: &enable}, log)
	require.True(t, logEnabled)

	h.Dispatch(Command{Cmd: "wus", Enable: &enable}, log)
	require.True(t, wusEnabled)
}

func TestDispatchIgnoresUnknownCommand(t *testing.T) {
	called := false
	h := Handlers{Dump: func() { called = true }}
	h.Dispatch(Command{Cmd: "not-a-real-command"}, logger.ComponentLogger("test"))
	require.False(t, called)
}

func TestDispatchToleratesNilHandlers(t *testing.T) {
	h := Handlers{}
	require.NotPanics(t, func() {
		h.Dispatch(Command{Cmd: "dump"}, logger.ComponentLogger("test"))
	})
}
