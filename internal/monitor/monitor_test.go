package monitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateAdvancesIterationAndKeepsListening(t *testing.T) {
	ch := make(chan Update, 1)
	m := newModel(ch, "run-1", 10)

	next, cmd := m.Update(updateMsg{Iteration: 3, Objective: 1.5, GradNorm: 0.2})
	nm := next.(model)

	assert.Equal(t, 3, nm.iteration)
	assert.InDelta(t, 1.5, nm.objective, 1e-9)
	assert.False(t, nm.finished)
	require.NotNil(t, cmd)
}

func TestUpdateWithDoneStopsTheLoop(t *testing.T) {
	ch := make(chan Update, 1)
	m := newModel(ch, "run-1", 10)

	next, cmd := m.Update(updateMsg{Iteration: 10, Done: true})
	nm := next.(model)

	assert.True(t, nm.finished)
	require.NotNil(t, cmd) // tea.Quit
}

func TestUpdateWithErrorRecordsItAndQuits(t *testing.T) {
	ch := make(chan Update, 1)
	m := newModel(ch, "run-1", 10)

	next, cmd := m.Update(updateMsg{Err: errors.New("diverged")})
	nm := next.(model)

	require.Error(t, nm.err)
	assert.Equal(t, "diverged", nm.err.Error())
	require.NotNil(t, cmd)
}

func TestViewRendersWithoutPanicking(t *testing.T) {
	ch := make(chan Update, 1)
	m := newModel(ch, "run-1", 10)
	m.iteration = 4
	m.objective = 2.25

	out := m.View()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "iteration 4/10")
}

func TestDoneChannelClosesLoop(t *testing.T) {
	ch := make(chan Update)
	m := newModel(ch, "run-1", 0)
	close(ch)

	msg := m.Init()()
	_, ok := msg.(doneMsg)
	assert.True(t, ok)
}
