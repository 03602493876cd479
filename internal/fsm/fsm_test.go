package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custodia/internal/apperr"
)

type light string

const (
	red    light = "red"
	green  light = "green"
	yellow light = "yellow"
	off    light = "off"
)

func newLights() *Table[light] {
	return New("light", map[light][]light{
		red:    {green, off},
		green:  {yellow, off},
		yellow: {red, off},
	}, off)
}

func TestCheck(t *testing.T) {
	tbl := newLights()

	require.NoError(t, tbl.Check(red, green))
	require.NoError(t, tbl.Check(yellow, off))

	err := tbl.Check(red, yellow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "red", te.From)
	assert.Equal(t, "yellow", te.To)

	assert.Error(t, tbl.Check(off, red), "terminal state must not move")
}

func TestTerminalAndNext(t *testing.T) {
	tbl := newLights()
	assert.True(t, tbl.IsTerminal(off))
	assert.False(t, tbl.IsTerminal(red))
	assert.Equal(t, []light{green, off}, tbl.Next(red))
	assert.Empty(t, tbl.Next(off))
	assert.Contains(t, tbl.String(), "red -> green, off")
}

func TestNewPanicsOnTerminalEdges(t *testing.T) {
	assert.Panics(t, func() {
		New("bad", map[light][]light{off: {red}}, off)
	})
}
