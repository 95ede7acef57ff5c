package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitTerminal(t *testing.T, m *Manager, id string) Session {
	t.Helper()
	var sess Session
	require.Eventually(t, func() bool {
		var err error
		sess, err = m.Status(id)
		require.NoError(t, err)
		return sess.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return sess
}

func historyOf(t *testing.T, m *Manager, id string) []OutputEvent {
	t.Helper()
	_, history, ok := m.HistorySnapshot(id)
	require.True(t, ok)
	return history
}

func TestStartCapturesOutputAndExit(t *testing.T) {
	m := NewManager()

	sess, err := m.Start(context.Background(), KindBuild, []string{"sh", "-c", "printf out; printf err 1>&2"}, t.TempDir())
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, KindBuild, sess.Kind)

	final := waitTerminal(t, m, sess.ID)
	assert.Equal(t, StatusSuccess, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	require.NotNil(t, final.EndTime)

	history := historyOf(t, m, sess.ID)
	var stdout, stderr string
	for _, ev := range history {
		switch ev.Type {
		case EventStdout:
			stdout += ev.Content
		case EventStderr:
			stderr += ev.Content
		}
	}
	assert.Equal(t, "out", stdout)
	assert.Equal(t, "err", stderr)

	// The terminal status event is the last event, and there is exactly one.
	last := history[len(history)-1]
	assert.Equal(t, EventStatus, last.Type)
	assert.Equal(t, StatusSuccess, last.Status)
	statusEvents := 0
	for _, ev := range history {
		if ev.Type == EventStatus {
			statusEvents++
		}
	}
	assert.Equal(t, 1, statusEvents)
}

func TestOutputLineCountIncludesUnterminatedLine(t *testing.T) {
	m := NewManager()

	sess, err := m.Start(context.Background(), KindBuild, []string{"sh", "-c", `printf 'a\nb'`}, t.TempDir())
	require.NoError(t, err)

	final := waitTerminal(t, m, sess.ID)
	assert.Equal(t, 2, final.OutputLineCount, "the final line counts even without a trailing newline")
}

func TestImmediateNonzeroExit(t *testing.T) {
	m := NewManager()

	sess, err := m.Start(context.Background(), KindBuild, []string{"sh", "-c", "exit 1"}, t.TempDir())
	require.NoError(t, err)

	final := waitTerminal(t, m, sess.ID)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 1, *final.ExitCode)
	assert.Equal(t, 0, final.OutputLineCount)

	history := historyOf(t, m, sess.ID)
	require.Len(t, history, 1)
	assert.Equal(t, EventStatus, history[0].Type)
	assert.Equal(t, StatusFailed, history[0].Status)
	require.NotNil(t, history[0].ExitCode)
	assert.Equal(t, 1, *history[0].ExitCode)
}

func TestSpawnErrors(t *testing.T) {
	m := NewManager()

	cases := []struct {
		name    string
		command []string
		workDir string
	}{
		{name: "missing executable", command: []string{"/no/such/binary"}, workDir: t.TempDir()},
		{name: "missing working directory", command: []string{"true"}, workDir: "/no/such/dir"},
		{name: "empty command", command: nil, workDir: t.TempDir()},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := m.Start(context.Background(), KindBuild, c.command, c.workDir)
			var spawnErr *SpawnError
			require.ErrorAs(t, err, &spawnErr)
		})
	}
}

func TestStdinForwarding(t *testing.T) {
	m := NewManager()

	sess, err := m.Start(context.Background(), KindBuild, []string{"head", "-n", "1"}, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, m.Write(sess.ID, []byte("hello\n")))

	final := waitTerminal(t, m, sess.ID)
	assert.Equal(t, StatusSuccess, final.Status)

	history := historyOf(t, m, sess.ID)
	var stdout string
	for _, ev := range history {
		if ev.Type == EventStdout {
			stdout += ev.Content
		}
	}
	assert.Equal(t, "hello\n", stdout)
}

func TestTerminateGraceful(t *testing.T) {
	m := NewManager(WithGracePeriod(5 * time.Second))

	sess, err := m.Start(context.Background(), KindBuild, []string{"sleep", "30"}, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, m.Terminate(sess.ID))

	final := waitTerminal(t, m, sess.ID)
	assert.Equal(t, StatusStopped, final.Status)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	m := NewManager(WithGracePeriod(200 * time.Millisecond))

	// The script ignores the graceful signal, so only the escalation to a
	// forceful kill after the grace window can end it.
	script := `trap "" TERM; while true; do sleep 0.05; done`
	sess, err := m.Start(context.Background(), KindBuild, []string{"sh", "-c", script}, t.TempDir())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.Terminate(sess.ID))

	final := waitTerminal(t, m, sess.ID)
	assert.Equal(t, StatusStopped, final.Status)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	history := historyOf(t, m, sess.ID)
	last := history[len(history)-1]
	assert.Equal(t, EventStatus, last.Type)
	assert.Equal(t, StatusStopped, last.Status)
}

func TestTerminateReturnsBeforeExit(t *testing.T) {
	m := NewManager(WithGracePeriod(5 * time.Second))

	sess, err := m.Start(context.Background(), KindBuild, []string{"sleep", "30"}, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, m.Terminate(sess.ID))
	// Terminate is asynchronous; completion is only signaled by the terminal
	// status event, so the session may still report running here.
	_, err = m.Status(sess.ID)
	require.NoError(t, err)

	waitTerminal(t, m, sess.ID)
}

func TestNewSimulationStopsPreviousSimulations(t *testing.T) {
	m := NewManager(WithGracePeriod(time.Second))

	first, err := m.Start(context.Background(), KindSimulation, []string{"sleep", "30"}, t.TempDir())
	require.NoError(t, err)

	second, err := m.Start(context.Background(), KindSimulation, []string{"sleep", "30"}, t.TempDir())
	require.NoError(t, err)

	final := waitTerminal(t, m, first.ID)
	assert.Equal(t, StatusStopped, final.Status)

	// The new simulation is unaffected.
	sess, err := m.Status(second.ID)
	require.NoError(t, err)
	assert.False(t, sess.Status.Terminal())

	require.NoError(t, m.Terminate(second.ID))
	waitTerminal(t, m, second.ID)
}

func TestEvict(t *testing.T) {
	m := NewManager(WithGracePeriod(time.Second))

	sess, err := m.Start(context.Background(), KindBuild, []string{"sleep", "30"}, t.TempDir())
	require.NoError(t, err)

	// Running sessions cannot be evicted.
	require.Error(t, m.Evict(sess.ID))

	require.NoError(t, m.Terminate(sess.ID))
	waitTerminal(t, m, sess.ID)

	require.NoError(t, m.Evict(sess.ID))
	_, err = m.Status(sess.ID)
	require.Error(t, err)
}

func TestWriteAfterExit(t *testing.T) {
	m := NewManager()

	sess, err := m.Start(context.Background(), KindBuild, []string{"true"}, t.TempDir())
	require.NoError(t, err)
	waitTerminal(t, m, sess.ID)

	require.Error(t, m.Write(sess.ID, []byte("late\n")))
}

func TestShutdownTerminatesEverything(t *testing.T) {
	m := NewManager(WithGracePeriod(time.Second))

	a, err := m.Start(context.Background(), KindBuild, []string{"sleep", "30"}, t.TempDir())
	require.NoError(t, err)
	b, err := m.Start(context.Background(), KindSimulation, []string{"sleep", "30"}, t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	for _, id := range []string{a.ID, b.ID} {
		sess := waitTerminal(t, m, id)
		assert.Equal(t, StatusStopped, sess.Status)
	}
}
