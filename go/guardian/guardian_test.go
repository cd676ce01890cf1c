package guardian

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// crashable is a scripted Supervised child.
type crashable struct {
	mu      sync.Mutex
	stopped bool
	err     error
	done    chan struct{}
}

func newCrashable() *crashable { return &crashable{done: make(chan struct{})} }

func (c *crashable) Done() <-chan struct{} { return c.done }

func (c *crashable) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *crashable) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
}

func (c *crashable) crash(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		c.err = err
		close(c.done)
	}
}

// childFactory builds crashables and tracks them.
type childFactory struct {
	mu    sync.Mutex
	built []*crashable
}

func (f *childFactory) build() Supervised {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c = newCrashable()
	f.built = append(f.built, c)
	return c
}

func (f *childFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *childFactory) at(i int) *crashable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[i]
}

func TestGuardianRestartsCrashedChild(t *testing.T) {
	var factory = &childFactory{}
	var g = New(Config{MaxRestarts: 3, Window: time.Minute}, factory.build)
	defer g.Stop()

	require.Eventually(t, func() bool { return g.Current() != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, factory.count())

	factory.at(0).crash(fmt.Errorf("scheduler panic: boom"))

	// A replacement child is spawned and exposed.
	require.Eventually(t, func() bool {
		return factory.count() == 2 && g.Current() == factory.at(1)
	}, time.Second, 5*time.Millisecond)
}

func TestGuardianGivesUpBeyondBudget(t *testing.T) {
	var factory = &childFactory{}
	var g = New(Config{MaxRestarts: 2, Window: time.Minute}, factory.build)

	for i := 0; ; i++ {
		require.Eventually(t, func() bool { return factory.count() > i }, time.Second, time.Millisecond)
		factory.at(i).crash(fmt.Errorf("crash %d", i))
		if i == 2 {
			break
		}
	}

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("guardian did not give up")
	}
	require.ErrorIs(t, g.Err(), ErrSupervisionFatal)
	require.ErrorContains(t, g.Err(), "crash 2")
	require.Nil(t, g.Current())

	// Only the budgeted children were ever built.
	require.Equal(t, 3, factory.count())
}

func TestGuardianStopIsClean(t *testing.T) {
	var factory = &childFactory{}
	var g = New(Config{}, factory.build)

	require.Eventually(t, func() bool { return g.Current() != nil }, time.Second, 5*time.Millisecond)
	g.Stop()

	require.NoError(t, g.Err())
	require.Nil(t, g.Current())
	require.True(t, factory.at(0).stopped)
}
