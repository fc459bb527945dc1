package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) CleanupInactiveConnections() int {
	f.calls.Add(1)
	return 2
}

type fakePruner struct{ olderThan time.Duration }

func (f *fakePruner) Prune(olderThan time.Duration) int {
	f.olderThan = olderThan
	return 3
}

func TestScheduledJobRuns(t *testing.T) {
	j := NewJanitor(nil)
	sweeper := &fakeSweeper{}
	require.NoError(t, j.Add(JobConnectionCleanup, "@every 1s", ConnectionCleanup(sweeper)))

	j.Start()
	defer j.Stop(context.Background())

	assert.Eventually(t, func() bool { return sweeper.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestRunNow(t *testing.T) {
	j := NewJanitor(nil)
	pruner := &fakePruner{}
	require.NoError(t, j.Add(JobExecutionRetention, "@every 1h", ExecutionRetention(pruner, time.Hour)))

	removed, err := j.RunNow(JobExecutionRetention)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, time.Hour, pruner.olderThan)

	jobs := j.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Runs)
	assert.Equal(t, 3, jobs[0].LastResult)

	_, err = j.RunNow("missing")
	assert.Error(t, err)
}

func TestZeroRetentionKeepsEverything(t *testing.T) {
	pruner := &fakePruner{}
	assert.Equal(t, 0, ExecutionRetention(pruner, 0)())
	assert.Zero(t, pruner.olderThan)
}

func TestAddValidation(t *testing.T) {
	j := NewJanitor(nil)

	assert.Error(t, j.Add("bad", "not a schedule", func() int { return 0 }))
	assert.NoError(t, j.Add("off", "", func() int { return 0 }))
	assert.Empty(t, j.Jobs())

	require.NoError(t, j.Add("sweep", "*/5 * * * *", func() int { return 0 }))
	assert.Error(t, j.Add("sweep", "@every 1m", func() int { return 0 }))
}

func TestPanickingJobIsRecovered(t *testing.T) {
	j := NewJanitor(nil)
	var after atomic.Int32
	require.NoError(t, j.Add("boom", "@every 1s", func() int { panic("boom") }))
	require.NoError(t, j.Add("after", "@every 1s", func() int { after.Add(1); return 0 }))

	j.Start()
	defer j.Stop(context.Background())

	assert.Eventually(t, func() bool { return after.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
}

func TestStopHonoursContext(t *testing.T) {
	j := NewJanitor(nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, j.Add("slow", "@every 1s", func() int {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return 0
	}))

	j.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, j.Stop(ctx), context.DeadlineExceeded)
	close(release)
}

type fakeStreams map[string]bool

func (f fakeStreams) Sweep(keep func(string) bool) int {
	removed := 0
	for id := range f {
		if !keep(id) {
			delete(f, id)
			removed++
		}
	}
	return removed
}

func TestEventStreamSweep(t *testing.T) {
	streams := fakeStreams{"live": true, "pruned": true}
	job := EventStreamSweep(streams, func(id string) bool { return id == "live" })

	assert.Equal(t, 1, job())
	assert.Equal(t, fakeStreams{"live": true}, streams)
}
