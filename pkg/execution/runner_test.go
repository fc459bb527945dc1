package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/crewrunner/pkg/models"
)

type staticFiles map[string]string

func (f staticFiles) ResolveDocument(fileID string) (map[string]interface{}, error) {
	content, ok := f[fileID]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", fileID)
	}
	return map[string]interface{}{"file_id": fileID, "content": content}, nil
}

func newTestRunner(t *testing.T, task Task, optFns ...func(*RunnerOptions)) (*Runner, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	reg := NewRegistry(notifier, nil)
	fns := append([]func(*RunnerOptions){func(o *RunnerOptions) {
		o.Progress = NewStepWalker(nil, 5*time.Millisecond)
	}}, optFns...)
	runner := NewRunner(reg, task, fns...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return runner, notifier
}

func waitForStatus(t *testing.T, reg *Registry, id string, want models.ExecutionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, _ := reg.Status(id)
		return status == want
	}, 5*time.Second, 5*time.Millisecond, "execution %s never reached %s", id, want)
}

func TestRunnerCompletes(t *testing.T) {
	var got map[string]interface{}
	task := TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		got = inputs
		return "decomposition report", nil
	})
	runner, notifier := newTestRunner(t, task)

	id, err := runner.Start(testRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitForStatus(t, runner.Registry(), id, models.StatusCompleted)

	exec, _ := runner.Registry().Get(id)
	assert.Equal(t, "decomposition report", exec.Output)
	assert.Equal(t, 1.0, exec.Progress)
	assert.Equal(t, testRequest().Prompt, got[InputPrimarySpecification])
	assert.Equal(t, "User-defined System", got[InputTargetSystem])
	assert.Equal(t, "subsystem_level", got[InputDecompositionDepth])
	assert.Equal(t, id, got[InputExecutionID])

	t.Run("setup updates arrive in order", func(t *testing.T) {
		var tasks []string
		for _, n := range notifier.all() {
			if p, ok := n.Payload.(models.ExecutionPatch); ok && p.CurrentTask != nil {
				tasks = append(tasks, *p.CurrentTask)
			}
		}
		require.GreaterOrEqual(t, len(tasks), 3)
		assert.Equal(t, []string{"Initializing execution", "Preparing crew configuration", "Starting crew execution"}, tasks[:3])
	})
}

func TestRunnerFailure(t *testing.T) {
	task := TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		return "", errors.New("provider rejected the request")
	})
	runner, _ := newTestRunner(t, task)

	id, err := runner.Start(testRequest())
	require.NoError(t, err)
	waitForStatus(t, runner.Registry(), id, models.StatusFailed)

	exec, _ := runner.Registry().Get(id)
	assert.Equal(t, "provider rejected the request", exec.Error)
	assert.Empty(t, exec.Output)
}

func TestRunnerRecoversTaskPanic(t *testing.T) {
	task := TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		panic("crew exploded")
	})
	runner, _ := newTestRunner(t, task)

	id, err := runner.Start(testRequest())
	require.NoError(t, err)
	waitForStatus(t, runner.Registry(), id, models.StatusFailed)

	exec, _ := runner.Registry().Get(id)
	assert.Contains(t, exec.Error, "crew exploded")
}

func TestRunnerCancelDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	task := TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		close(started)
		<-release
		return "late output", nil
	})
	runner, _ := newTestRunner(t, task)

	id, err := runner.Start(testRequest())
	require.NoError(t, err)
	<-started

	require.True(t, runner.Cancel(id))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))

	exec, _ := runner.Registry().Get(id)
	assert.Equal(t, models.StatusCancelled, exec.Status)
	assert.Empty(t, exec.Output)
	assert.Equal(t, 1.0, exec.Progress)
}

func TestRunnerBoundsWorkers(t *testing.T) {
	release := make(chan struct{})
	var running, peak int32
	task := TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return "ok", nil
	})
	runner, _ := newTestRunner(t, task, func(o *RunnerOptions) { o.MaxWorkers = 2 })

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := runner.Start(testRequest())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))

	close(release)
	for _, id := range ids {
		waitForStatus(t, runner.Registry(), id, models.StatusCompleted)
	}
}

func TestRunnerSkipsExecutionCancelledWhileQueued(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	task := TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "ok", nil
	})
	runner, _ := newTestRunner(t, task, func(o *RunnerOptions) { o.MaxWorkers = 1 })

	first, err := runner.Start(testRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 5*time.Millisecond)

	queued, err := runner.Start(testRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		exec, _ := runner.Registry().Get(queued)
		return exec.CurrentTask == "Preparing crew configuration"
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, runner.Cancel(queued))
	close(release)

	waitForStatus(t, runner.Registry(), first, models.StatusCompleted)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	status, _ := runner.Registry().Status(queued)
	assert.Equal(t, models.StatusCancelled, status)
}

func TestRunnerProgressIsMonotonic(t *testing.T) {
	release := make(chan struct{})
	task := TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		<-release
		return "ok", nil
	})
	runner, notifier := newTestRunner(t, task, func(o *RunnerOptions) {
		o.Progress = NewStepWalker(nil, time.Millisecond)
	})

	id, err := runner.Start(testRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, _ := runner.Registry().Get(id)
		return exec.StepIndex == len(DefaultSteps())-1
	}, 5*time.Second, 5*time.Millisecond)
	close(release)
	waitForStatus(t, runner.Registry(), id, models.StatusCompleted)

	last := -1.0
	for _, n := range notifier.all() {
		if n.ExecutionID != id {
			continue
		}
		p, ok := n.Payload.(models.ExecutionPatch)
		if !ok || p.Progress == nil {
			continue
		}
		assert.GreaterOrEqual(t, *p.Progress, last)
		assert.Less(t, *p.Progress, 1.0)
		last = *p.Progress
	}
}

func TestRunnerResolvesUploadedFiles(t *testing.T) {
	var mu sync.Mutex
	var docs interface{}
	task := TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		mu.Lock()
		docs = inputs[InputUploadedDocuments]
		mu.Unlock()
		return "ok", nil
	})
	runner, _ := newTestRunner(t, task, func(o *RunnerOptions) {
		o.Files = staticFiles{"f1": "system context"}
	})

	req := testRequest()
	req.UploadedFiles = []string{"f1", "missing"}
	id, err := runner.Start(req)
	require.NoError(t, err)
	waitForStatus(t, runner.Registry(), id, models.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	list, ok := docs.([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "system context", list[0]["content"])
}

func TestRunnerRejectsStartAfterShutdown(t *testing.T) {
	runner, _ := newTestRunner(t, TaskFunc(func(ctx context.Context, inputs map[string]interface{}) (string, error) {
		return "ok", nil
	}))
	require.NoError(t, runner.Shutdown(context.Background()))

	_, err := runner.Start(testRequest())
	assert.Error(t, err)
}
