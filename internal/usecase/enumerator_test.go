package usecase

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/policy"
	"github.com/eliteGoblin/focusd/focustrack/test/fixtures"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startEnumerator(t *testing.T, platform *fixtures.FakePlatform, clock func() time.Time) *Enumerator {
	t.Helper()
	e := NewEnumerator(platform, policy.NewSystemAppsFor("linux"), policy.NewRegistry(), clock, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e
}

func TestEnumerator_SystemFilteringOverSyntheticProcesses(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	entries, userCount := fixtures.SyntheticProcesses(500)
	platform.SetProcesses(entries)
	e := startEnumerator(t, platform, nil)

	apps, err := e.ListRunning(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, apps, userCount)
	for _, a := range apps {
		assert.False(t, a.IsSystem, "%s must not be listed", a.Name)
		assert.True(t, strings.HasPrefix(a.Name, "app-"), a.Name)
	}
	assert.True(t, sort.SliceIsSorted(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name }))

	all, err := e.ListRunning(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, all, 500)

	system := 0
	for _, a := range all {
		if a.IsSystem {
			system++
		}
	}
	assert.Equal(t, 500-userCount, system)
}

func TestEnumerator_ReusesRecentScan(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetProcesses([]domain.ProcessEntry{{PID: 10, Name: "editor", Exe: "/usr/bin/editor", UID: 1000}})
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	e := startEnumerator(t, platform, clock.Now)

	for i := 0; i < 3; i++ {
		_, err := e.ListRunning(context.Background(), false)
		require.NoError(t, err)
	}
	_, _, lists := platform.Calls()
	assert.Equal(t, 1, lists)

	clock.Advance(DefaultMinScanInterval)
	_, err := e.ListRunning(context.Background(), false)
	require.NoError(t, err)
	_, _, lists = platform.Calls()
	assert.Equal(t, 2, lists)
}

func TestEnumerator_MarksBrowsersAndDeduplicates(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetProcesses([]domain.ProcessEntry{
		{PID: 20, Name: "firefox", Exe: "/usr/lib/firefox/firefox", UID: 1000},
		{PID: 20, Name: "firefox", Exe: "/usr/lib/firefox/firefox", UID: 1000},
		{PID: 21, Name: "Editor", Exe: "", UID: 1000},
	})
	e := startEnumerator(t, platform, nil)

	apps, err := e.ListRunning(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, apps, 2)

	assert.Equal(t, "Editor", apps[0].Name)
	assert.Equal(t, "Editor", apps[0].Identifier, "identifier falls back to the name")
	assert.False(t, apps[0].IsBrowser)

	assert.Equal(t, "firefox", apps[1].Name)
	assert.True(t, apps[1].IsBrowser)
}

func TestEnumerator_ConcurrentCallersAreSerialized(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	entries, userCount := fixtures.SyntheticProcesses(50)
	platform.SetProcesses(entries)
	e := startEnumerator(t, platform, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			apps, err := e.ListRunning(context.Background(), false)
			assert.NoError(t, err)
			assert.Len(t, apps, userCount)
		}()
	}
	wg.Wait()
}

func TestEnumerator_StoppedWorker(t *testing.T) {
	e := NewEnumerator(fixtures.NewFakePlatform(), policy.NewSystemAppsFor("linux"), policy.NewRegistry(), nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := e.ListRunning(context.Background(), false)
	assert.ErrorIs(t, err, ErrEnumeratorStopped)
}
