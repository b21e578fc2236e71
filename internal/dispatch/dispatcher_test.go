package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediarun/manager/internal/dispatch"
	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/runnerclient"
)

type fakeCandidates struct {
	runners []domain.Runner
}

func (f *fakeCandidates) FindEligible(taskType string) []domain.Runner {
	return f.runners
}

type fakeCaller struct {
	pings    map[string]*domain.PingResponse // url → response; missing = ping error
	runErrs  map[string]error                // url → error; missing = accept
	runCalls []string
	payloads []runnerclient.RunPayload
}

func (f *fakeCaller) Ping(ctx context.Context, runner domain.Runner) (*domain.PingResponse, error) {
	p, ok := f.pings[runner.URL]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return p, nil
}

func (f *fakeCaller) Run(ctx context.Context, runner domain.Runner, payload runnerclient.RunPayload) error {
	f.runCalls = append(f.runCalls, runner.URL)
	f.payloads = append(f.payloads, payload)
	return f.runErrs[runner.URL]
}

func runner(url string) domain.Runner {
	return domain.Runner{
		URL:          url,
		Name:         url,
		Token:        "tok-" + url,
		Status:       domain.RunnerRegistered,
		RegisteredAt: time.Now(),
	}
}

func availablePing(types ...string) *domain.PingResponse {
	return &domain.PingResponse{Available: true, Registered: true, TaskTypes: types}
}

func newTask() *domain.Task {
	return &domain.Task{
		TaskID:    "t-1",
		TaskType:  "encoding",
		SourceURL: "http://example.com/a.mp4",
		Status:    domain.TaskPending,
	}
}

func TestDispatch_FirstAvailableRunnerWins(t *testing.T) {
	caller := &fakeCaller{
		pings: map[string]*domain.PingResponse{
			"http://r1": availablePing("encoding"),
			"http://r2": availablePing("encoding"),
		},
	}
	d := dispatch.New(&fakeCandidates{runners: []domain.Runner{runner("http://r1"), runner("http://r2")}},
		caller, "http://manager/task/completion")

	out := d.Dispatch(context.Background(), newTask(), "run-1")

	assert.Equal(t, dispatch.Dispatched, out.Kind)
	assert.Equal(t, "http://r1", out.RunnerURL)
	assert.Equal(t, []string{"http://r1"}, caller.runCalls, "second runner must not be contacted")

	require.Len(t, caller.payloads, 1)
	p := caller.payloads[0]
	assert.Equal(t, "t-1", p.TaskID)
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, "http://manager/task/completion", p.CompletionCallback)
}

func TestDispatch_SkipsBusyAndUnreachableRunners(t *testing.T) {
	caller := &fakeCaller{
		pings: map[string]*domain.PingResponse{
			// r1 missing: ping fails.
			"http://r2": {Available: false, Registered: true, TaskTypes: []string{"encoding"}},
			"http://r3": availablePing("encoding"),
		},
	}
	d := dispatch.New(&fakeCandidates{runners: []domain.Runner{
		runner("http://r1"), runner("http://r2"), runner("http://r3"),
	}}, caller, "http://manager/task/completion")

	out := d.Dispatch(context.Background(), newTask(), "run-1")

	assert.Equal(t, dispatch.Dispatched, out.Kind)
	assert.Equal(t, "http://r3", out.RunnerURL)
}

func TestDispatch_SkipsRunnerNoLongerAdvertisingType(t *testing.T) {
	caller := &fakeCaller{
		pings: map[string]*domain.PingResponse{
			// Registry thinks r1 does encoding, but its live self-report says otherwise.
			"http://r1": availablePing("thumbnail"),
		},
	}
	d := dispatch.New(&fakeCandidates{runners: []domain.Runner{runner("http://r1")}},
		caller, "http://manager/task/completion")

	out := d.Dispatch(context.Background(), newTask(), "run-1")

	assert.Equal(t, dispatch.NoRunnerAvailable, out.Kind)
	assert.Empty(t, caller.runCalls)
}

func TestDispatch_NoCandidates(t *testing.T) {
	d := dispatch.New(&fakeCandidates{}, &fakeCaller{}, "http://manager/task/completion")
	out := d.Dispatch(context.Background(), newTask(), "run-1")
	assert.Equal(t, dispatch.NoRunnerAvailable, out.Kind)
}

func TestDispatch_AllRunnersReject(t *testing.T) {
	caller := &fakeCaller{
		pings: map[string]*domain.PingResponse{
			"http://r1": availablePing("encoding"),
			"http://r2": availablePing("encoding"),
		},
		runErrs: map[string]error{
			"http://r1": &runnerclient.RejectedError{StatusCode: 500, Body: "boom"},
			"http://r2": &runnerclient.RejectedError{StatusCode: 503, Body: "busy"},
		},
	}
	d := dispatch.New(&fakeCandidates{runners: []domain.Runner{runner("http://r1"), runner("http://r2")}},
		caller, "http://manager/task/completion")

	out := d.Dispatch(context.Background(), newTask(), "run-1")

	assert.Equal(t, dispatch.RunnerRejected, out.Kind)
	assert.Contains(t, out.Reason, "503", "reason carries the last rejection")
	assert.Len(t, caller.runCalls, 2, "every candidate gets a chance before giving up")
}

func TestDispatch_NetworkFailureOnRunIsNotARejection(t *testing.T) {
	caller := &fakeCaller{
		pings: map[string]*domain.PingResponse{
			"http://r1": availablePing("encoding"),
		},
		runErrs: map[string]error{
			"http://r1": errors.New("dial tcp: connection reset"),
		},
	}
	d := dispatch.New(&fakeCandidates{runners: []domain.Runner{runner("http://r1")}},
		caller, "http://manager/task/completion")

	out := d.Dispatch(context.Background(), newTask(), "run-1")

	// A transport error means the runner never answered; the task may be retried.
	assert.Equal(t, dispatch.NoRunnerAvailable, out.Kind)
}

func TestDispatch_RejectionThenAcceptance(t *testing.T) {
	caller := &fakeCaller{
		pings: map[string]*domain.PingResponse{
			"http://r1": availablePing("encoding"),
			"http://r2": availablePing("encoding"),
		},
		runErrs: map[string]error{
			"http://r1": &runnerclient.RejectedError{StatusCode: 422, Body: "unsupported codec"},
		},
	}
	d := dispatch.New(&fakeCandidates{runners: []domain.Runner{runner("http://r1"), runner("http://r2")}},
		caller, "http://manager/task/completion")

	out := d.Dispatch(context.Background(), newTask(), "run-1")

	assert.Equal(t, dispatch.Dispatched, out.Kind)
	assert.Equal(t, "http://r2", out.RunnerURL)
}
