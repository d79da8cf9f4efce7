package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAttachesChild(t *testing.T) {
	m := NewManager(1)
	root := m.Root()
	child := m.Create(root)
	require.Equal(t, root, child.parent)
	require.NotNil(t, root.firstChild)
}

func TestStartRunsEntryAndExits(t *testing.T) {
	m := NewManager(1)
	root := m.Root()

	ran := make(chan struct{})
	child := m.Create(root)
	m.Start(child, func(arg interface{}) {
		close(ran)
	}, nil)

	<-ran
	<-child.done
	require.Equal(t, 0, child.ExitCode())
}

func TestWaitReturnsNoChildrenImmediately(t *testing.T) {
	m := NewManager(1)
	root := m.Root()
	pid, code, ok := m.Wait(root)
	require.False(t, ok)
	require.Zero(t, pid)
	require.Zero(t, code)
}

func TestWaitReapsExitedChild(t *testing.T) {
	m := NewManager(1)
	root := m.Root()
	child := m.Create(root)
	m.Start(child, func(arg interface{}) {}, 7)

	<-child.done
	pid, code, ok := m.Wait(root)
	require.True(t, ok)
	require.Equal(t, child.pid, pid)
	require.Equal(t, 0, code)
}

func TestExitReparentsChildrenToRoot(t *testing.T) {
	m := NewManager(1)
	root := m.Root()
	parent := m.Create(root)
	grandchild := m.Create(parent)

	m.Start(parent, func(arg interface{}) {}, nil)
	<-parent.done

	require.Equal(t, root, grandchild.parent)
}

func TestKillSetsKilledFlag(t *testing.T) {
	m := NewManager(1)
	root := m.Root()
	child := m.Create(root)
	child.Kill()
	require.True(t, child.killed())
}

func TestStackGuardDetectsCorruption(t *testing.T) {
	m := NewManager(1)
	child := m.Create(m.Root())
	require.NotPanics(t, child.checkGuard)
	child.stackGuard[0] = 0
	require.Panics(t, child.checkGuard)
}
