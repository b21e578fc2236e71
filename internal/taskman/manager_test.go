package taskman_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediarun/manager/internal/dispatch"
	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/taskman"
	"github.com/mediarun/manager/internal/taskstore"
)

// fakeDispatcher returns scripted outcomes in order, repeating the last one.
type fakeDispatcher struct {
	mu       sync.Mutex
	outcomes []dispatch.Outcome
	calls    int
	runIDs   []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task *domain.Task, runID string) dispatch.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.runIDs = append(f.runIDs, runID)
	i := f.calls - 1
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	return f.outcomes[i]
}

// fakeNotifier records enqueued deliveries.
type fakeNotifier struct {
	mu   sync.Mutex
	jobs [][2]string
}

func (f *fakeNotifier) Enqueue(taskID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, [2]string{taskID, runID})
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func dispatched(url string) dispatch.Outcome {
	return dispatch.Outcome{Kind: dispatch.Dispatched, RunnerURL: url, RunnerName: "runner"}
}

type fixture struct {
	store    *taskstore.Store
	disp     *fakeDispatcher
	notifier *fakeNotifier
	mgr      *taskman.Manager
}

func newFixture(t *testing.T, outcomes []dispatch.Outcome, opts taskman.Options) *fixture {
	t.Helper()
	store, err := taskstore.New(t.TempDir())
	require.NoError(t, err)

	disp := &fakeDispatcher{outcomes: outcomes}
	notifier := &fakeNotifier{}
	if opts.ExecutionTimeout == 0 {
		opts.ExecutionTimeout = time.Hour
	}
	if opts.TimeoutSweepInterval == 0 {
		opts.TimeoutSweepInterval = time.Minute
	}
	mgr := taskman.New(store, disp, notifier, nil, opts)

	seq := 0
	mgr.SetNewID(func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	})
	return &fixture{store: store, disp: disp, notifier: notifier, mgr: mgr}
}

func submitReq() domain.TaskRequest {
	return domain.TaskRequest{
		EtabName:  "etab-1",
		AppName:   "transcoder",
		TaskType:  "encoding",
		SourceURL: "http://example.com/a.mp4",
		NotifyURL: "http://client.example.com/hook",
	}
}

func TestSubmit_CreatesPendingTask(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})

	task, err := f.mgr.Submit(submitReq(), "client-token")
	require.NoError(t, err)

	assert.Equal(t, domain.TaskPending, task.Status)
	assert.NotEmpty(t, task.TaskID)
	assert.Empty(t, task.RunID, "no run exists before dispatch")
	assert.Equal(t, 1, f.mgr.QueueLen(), "dispatch job queued")

	stored, err := f.store.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, stored.Status)
}

func TestDispatch_TransitionsToRunning(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)

	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)

	got, err := f.store.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)
	assert.NotEmpty(t, got.RunID)
	assert.Equal(t, "http://r1", got.RunnerURL)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, 1, got.DispatchAttempts)
	assert.Equal(t, []string{got.RunID}, f.disp.runIDs, "the minted run id travels to the runner")
}

func TestDispatch_FreshRunIDPerAttempt(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{
		{Kind: dispatch.NoRunnerAvailable},
		dispatched("http://r1"),
	}, taskman.Options{DispatchRetryDelay: time.Hour}) // retry timer never fires in-test
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)

	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 2)

	require.Len(t, f.disp.runIDs, 2)
	assert.NotEqual(t, f.disp.runIDs[0], f.disp.runIDs[1], "run_id regenerated per attempt")

	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskRunning, got.Status)
	assert.Equal(t, f.disp.runIDs[1], got.RunID)
	assert.Equal(t, 2, got.DispatchAttempts)
}

func TestDispatch_ExhaustionRejects(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{{Kind: dispatch.NoRunnerAvailable}},
		taskman.Options{DispatchMaxAttempts: 3, DispatchRetryDelay: time.Hour})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)

	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 2)
	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskPending, got.Status, "still pending before the last attempt")

	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 3)
	got, _ = f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskRejected, got.Status)
	assert.Contains(t, got.ErrorMessage, "no eligible runner")
	require.NotNil(t, got.CompletedAt)
	assert.Zero(t, f.notifier.count(), "rejection is observed by polling, not webhooks")
}

func TestDispatch_RunnerRejectionRejectsWithReason(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{
		{Kind: dispatch.RunnerRejected, Reason: "runner returned status 500: boom"},
	}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)

	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)

	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskRejected, got.Status)
	assert.Contains(t, got.ErrorMessage, "status 500")
}

func TestDispatch_SkipsNonPendingTask(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)

	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)
	calls := f.disp.calls

	// A stale queue entry for an already-running task is a no-op.
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 2)
	assert.Equal(t, calls, f.disp.calls)
}

func TestCompletion_HappyPath(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)
	running, _ := f.store.Get(task.TaskID)

	err = f.mgr.HandleCompletion(domain.Completion{
		TaskID:       task.TaskID,
		Status:       domain.TaskCompleted,
		ScriptOutput: "encoded 42 frames",
		RunID:        running.RunID,
	})
	require.NoError(t, err)

	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, "encoded 42 frames", got.ScriptOutput)
	require.NotNil(t, got.CompletedAt)

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, [2]string{task.TaskID, running.RunID}, f.notifier.jobs[0])
}

func TestCompletion_StaleRunIsIgnored(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)

	err = f.mgr.HandleCompletion(domain.Completion{
		TaskID: task.TaskID,
		Status: domain.TaskCompleted,
		RunID:  "some-old-run",
	})
	assert.ErrorIs(t, err, taskman.ErrStaleRun)

	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskRunning, got.Status, "stale completion must not change state")
	assert.Zero(t, f.notifier.count())
}

func TestCompletion_MissingRunIDMatchesCurrentRun(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)

	// Legacy runners report completion without a run_id.
	err = f.mgr.HandleCompletion(domain.Completion{TaskID: task.TaskID, Status: domain.TaskWarning})
	require.NoError(t, err)

	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskWarning, got.Status)
}

func TestCompletion_DuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)
	running, _ := f.store.Get(task.TaskID)

	c := domain.Completion{TaskID: task.TaskID, Status: domain.TaskCompleted, RunID: running.RunID}
	require.NoError(t, f.mgr.HandleCompletion(c))
	first, _ := f.store.Get(task.TaskID)

	require.NoError(t, f.mgr.HandleCompletion(c), "replayed completion is acknowledged")
	second, _ := f.store.Get(task.TaskID)

	assert.Equal(t, first, second, "state unchanged after the first delivery")
	assert.Equal(t, 1, f.notifier.count(), "webhook enqueued once")
}

func TestCompletion_Errors(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})

	err := f.mgr.HandleCompletion(domain.Completion{TaskID: "ghost", Status: domain.TaskCompleted})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	task, _ := f.mgr.Submit(submitReq(), "")
	err = f.mgr.HandleCompletion(domain.Completion{TaskID: task.TaskID, Status: "running"})
	assert.ErrorIs(t, err, taskman.ErrInvalidStatus)
}

func TestRestart_TerminalTaskGetsFreshRun(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)
	running, _ := f.store.Get(task.TaskID)
	require.NoError(t, f.mgr.HandleCompletion(domain.Completion{
		TaskID: task.TaskID, Status: domain.TaskFailed, ErrorMessage: "boom", RunID: running.RunID,
	}))

	res := f.mgr.Restart([]string{task.TaskID})
	require.Len(t, res.Restarted, 1)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Failed)

	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.NotEmpty(t, got.RunID)
	assert.NotEqual(t, running.RunID, got.RunID, "restart mints a fresh run id")
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.RunnerURL)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	// Submission envelope survives.
	assert.Equal(t, "encoding", got.TaskType)
	assert.Equal(t, "http://example.com/a.mp4", got.SourceURL)

	// The old run's completion is now stale.
	err = f.mgr.HandleCompletion(domain.Completion{
		TaskID: task.TaskID, Status: domain.TaskCompleted, RunID: running.RunID,
	})
	assert.ErrorIs(t, err, taskman.ErrStaleRun)
}

func TestRestart_SkipsNonTerminalAndReportsUnknown(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)

	res := f.mgr.Restart([]string{task.TaskID, "ghost"})
	assert.Empty(t, res.Restarted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, task.TaskID, res.Skipped[0].TaskID)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "ghost", res.Failed[0].TaskID)
}

func TestTimeoutSweep(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")},
		taskman.Options{ExecutionTimeout: time.Hour})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)

	// Not yet past the deadline.
	f.mgr.SweepTimeoutsNow()
	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskRunning, got.Status)

	f.mgr.SetNow(func() time.Time { return time.Now().Add(2 * time.Hour) })
	f.mgr.SweepTimeoutsNow()

	got, _ = f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskTimeout, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, f.notifier.count(), "timeout is announced to the client")
}

func TestTimeoutSweep_DoesNotOverwriteCompletion(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")},
		taskman.Options{ExecutionTimeout: time.Hour})
	task, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)
	f.mgr.RunDispatchNow(context.Background(), task.TaskID, 1)
	running, _ := f.store.Get(task.TaskID)

	// Completion wins the race just before the sweeper fires.
	require.NoError(t, f.mgr.HandleCompletion(domain.Completion{
		TaskID: task.TaskID, Status: domain.TaskCompleted, RunID: running.RunID,
	}))

	f.mgr.SetNow(func() time.Time { return time.Now().Add(2 * time.Hour) })
	f.mgr.SweepTimeoutsNow()

	got, _ := f.store.Get(task.TaskID)
	assert.Equal(t, domain.TaskCompleted, got.Status, "sweeper must not overwrite a completion")
}

func TestRedispatchPending(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})
	_, err := f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)
	_, err = f.mgr.Submit(submitReq(), "")
	require.NoError(t, err)

	n := f.mgr.RedispatchPending()
	assert.Equal(t, 2, n)
}

func TestCleanupOldTasks(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})

	old := &domain.Task{
		TaskID:    "t-old",
		TaskType:  "encoding",
		Status:    domain.TaskCompleted,
		CreatedAt: time.Now().Add(-40 * 24 * time.Hour),
	}
	oldPending := &domain.Task{
		TaskID:    "t-old-pending",
		TaskType:  "encoding",
		Status:    domain.TaskPending,
		CreatedAt: time.Now().Add(-40 * 24 * time.Hour),
	}
	fresh := &domain.Task{
		TaskID:    "t-fresh",
		TaskType:  "encoding",
		Status:    domain.TaskCompleted,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.store.Put(old))
	require.NoError(t, f.store.Put(oldPending))
	require.NoError(t, f.store.Put(fresh))

	removed := f.mgr.CleanupOldTasks(30 * 24 * time.Hour)
	assert.Equal(t, 1, removed)

	_, err := f.store.Get("t-old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.Get("t-old-pending")
	assert.NoError(t, err, "non-terminal tasks are never reaped")
	_, err = f.store.Get("t-fresh")
	assert.NoError(t, err)
}

func TestSubmit_QueueFullRejects(t *testing.T) {
	f := newFixture(t, []dispatch.Outcome{dispatched("http://r1")}, taskman.Options{})

	// Saturate the dispatch queue.
	var lastErr error
	var created int
	for i := 0; i < 2000; i++ {
		_, err := f.mgr.Submit(submitReq(), "")
		if err != nil {
			lastErr = err
			break
		}
		created++
	}
	require.ErrorIs(t, lastErr, taskman.ErrBusy)
	assert.Equal(t, 1024, created, "queue capacity bounds accepted submissions")
}
