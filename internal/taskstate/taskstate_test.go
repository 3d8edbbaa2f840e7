package taskstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kerrors "orchestrator/internal/errors"
	"orchestrator/internal/events"
)

func newMachine() *Machine {
	fixed := time.Unix(1700000000, 0)
	return New(events.NewBus(8), nil, func() time.Time { return fixed })
}

func TestInitialize_AlreadyExists(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.Initialize("t1"))
	err := m.Initialize("t1")
	require.True(t, kerrors.Is(err, kerrors.AlreadyExists))
}

func TestTransition_AllowedTable(t *testing.T) {
	cases := []struct {
		name string
		from State
		to   State
		ok   bool
	}{
		{"pending to queued", Pending, Queued, true},
		{"pending to running", Pending, Running, false},
		{"queued to assigned", Queued, Assigned, true},
		{"assigned to running", Assigned, Running, true},
		{"assigned to queued", Assigned, Queued, true},
		{"running to completed", Running, Completed, true},
		{"running to suspended", Running, Suspended, true},
		{"suspended to running", Suspended, Running, true},
		{"failed to queued", Failed, Queued, true},
		{"completed to anything", Completed, Queued, false},
		{"cancelled to anything", Cancelled, Queued, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine()
			require.NoError(t, m.Initialize("t1"))
			if tc.from != Pending {
				forceState(t, m, "t1", tc.from)
			}
			_, err := m.Transition("t1", tc.to)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.True(t, kerrors.Is(err, kerrors.IllegalTransition))
			}
		})
	}
}

// forceState walks a task through a valid path to reach `to` directly for test setup.
func forceState(t *testing.T, m *Machine, taskID string, to State) {
	t.Helper()
	path := map[State][]State{
		Queued:    {Queued},
		Assigned:  {Queued, Assigned},
		Running:   {Queued, Assigned, Running},
		Suspended: {Queued, Assigned, Running, Suspended},
		Failed:    {Queued, Assigned, Running, Failed},
		Completed: {Queued, Assigned, Running, Completed},
		Cancelled: {Cancelled},
	}
	for _, st := range path[to] {
		_, err := m.Transition(taskID, st)
		require.NoError(t, err)
	}
}

func TestHistory_MatchesCurrentState(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.Initialize("t1"))
	_, err := m.Transition("t1", Queued)
	require.NoError(t, err)
	_, err = m.Transition("t1", Assigned)
	require.NoError(t, err)
	_, err = m.Transition("t1", Running)
	require.NoError(t, err)
	_, err = m.Transition("t1", Completed)
	require.NoError(t, err)

	history, err := m.History("t1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, Completed, history[len(history)-1].To)

	state, err := m.State("t1")
	require.NoError(t, err)
	require.Equal(t, history[len(history)-1].To, state)

	terminal, err := m.IsTerminal("t1")
	require.NoError(t, err)
	require.True(t, terminal)
}

func TestTasksByState(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.Initialize("t1"))
	require.NoError(t, m.Initialize("t2"))
	_, err := m.Transition("t1", Queued)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"t1"}, m.TasksByState(Queued))
	require.ElementsMatch(t, []string{"t2"}, m.TasksByState(Pending))
}

func TestClearAndClearAll(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.Initialize("t1"))
	require.NoError(t, m.Initialize("t2"))

	m.Clear("t1")
	_, err := m.State("t1")
	require.True(t, kerrors.Is(err, kerrors.NotFound))

	m.ClearAll()
	_, err = m.State("t2")
	require.True(t, kerrors.Is(err, kerrors.NotFound))
}
