package concurrency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestAcquire_IdleGroupStartsImmediately(t *testing.T) {
	m := NewManager()

	t1 := m.Acquire("run-1", "docs-main", false, func() {})
	require.True(t, isClosed(t1.Started()))
	require.False(t, isClosed(t1.Superseded()))

	active, ok := m.ActiveRun("docs-main")
	require.True(t, ok)
	require.Equal(t, "run-1", active)
}

func TestAcquire_BusyGroupQueuesSecondRun(t *testing.T) {
	m := NewManager()

	t1 := m.Acquire("run-1", "docs-main", false, func() {})
	t2 := m.Acquire("run-2", "docs-main", false, func() {})

	require.True(t, isClosed(t1.Started()))
	require.False(t, isClosed(t2.Started()))
	require.False(t, isClosed(t2.Superseded()))
}

func TestAcquire_ThirdRunSupersedesPending(t *testing.T) {
	m := NewManager()

	m.Acquire("run-1", "docs-main", false, func() {})
	t2 := m.Acquire("run-2", "docs-main", false, func() {})
	t3 := m.Acquire("run-3", "docs-main", false, func() {})

	require.True(t, isClosed(t2.Superseded()))
	require.False(t, isClosed(t3.Started()))
	require.False(t, isClosed(t3.Superseded()))

	// The superseded run never became active, so its release is a no-op.
	m.Release("run-2", "docs-main")
	active, ok := m.ActiveRun("docs-main")
	require.True(t, ok)
	require.Equal(t, "run-1", active)
}

func TestAcquire_CancelInProgressCancelsActive(t *testing.T) {
	m := NewManager()

	ctx, cancel := context.WithCancel(context.Background())
	m.Acquire("run-1", "docs-main", false, cancel)

	t2 := m.Acquire("run-2", "docs-main", true, func() {})
	require.Error(t, ctx.Err())
	require.False(t, isClosed(t2.Started()))

	// The cancelled run still releases its slot, promoting the newcomer.
	m.Release("run-1", "docs-main")
	require.True(t, isClosed(t2.Started()))
}

func TestRelease_PromotesPendingRun(t *testing.T) {
	m := NewManager()

	m.Acquire("run-1", "docs-main", false, func() {})
	t2 := m.Acquire("run-2", "docs-main", false, func() {})

	m.Release("run-1", "docs-main")
	require.True(t, isClosed(t2.Started()))

	active, ok := m.ActiveRun("docs-main")
	require.True(t, ok)
	require.Equal(t, "run-2", active)
}

func TestRelease_EmptyGroupIsRemoved(t *testing.T) {
	m := NewManager()

	m.Acquire("run-1", "docs-main", false, func() {})
	m.Release("run-1", "docs-main")

	_, ok := m.ActiveRun("docs-main")
	require.False(t, ok)
}

func TestShutdown_CancelsPendingAndRefusesNewRuns(t *testing.T) {
	m := NewManager()

	var pendingCancelled, lateCancelled bool
	m.Acquire("run-1", "docs-main", false, func() {})
	t2 := m.Acquire("run-2", "docs-main", false, func() { pendingCancelled = true })

	m.Shutdown()
	require.True(t, pendingCancelled)
	require.False(t, isClosed(t2.Started()))

	// The draining active run releases without promoting anything.
	m.Release("run-1", "docs-main")
	require.False(t, isClosed(t2.Started()))

	t3 := m.Acquire("run-3", "docs-main", false, func() { lateCancelled = true })
	require.True(t, lateCancelled)
	require.False(t, isClosed(t3.Started()))
}

func TestGroups_AreIndependent(t *testing.T) {
	m := NewManager()

	t1 := m.Acquire("run-1", "docs-main", false, func() {})
	t2 := m.Acquire("run-2", "docs-dev", false, func() {})

	require.True(t, isClosed(t1.Started()))
	require.True(t, isClosed(t2.Started()))
}
