package service_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Remoter/internal/asyncjob"
	"github.com/CZERTAINLY/Remoter/internal/history"
	"github.com/CZERTAINLY/Remoter/internal/model"
	"github.com/CZERTAINLY/Remoter/internal/service"
	"github.com/stretchr/testify/require"
)

type rendered struct {
	mx       sync.Mutex
	progress []asyncjob.Snapshot
	requests []model.Request
	finished map[asyncjob.Kind][]asyncjob.Result
}

func newRendered() *rendered {
	return &rendered{finished: make(map[asyncjob.Kind][]asyncjob.Result)}
}

func (r *rendered) Progress(_ asyncjob.Kind, req model.Request, s asyncjob.Snapshot) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.progress = append(r.progress, s)
	r.requests = append(r.requests, req)
}

func (r *rendered) Finished(kind asyncjob.Kind, res asyncjob.Result) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.finished[kind] = append(r.finished[kind], res)
}

func (r *rendered) finishedCount(kind asyncjob.Kind) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.finished[kind])
}

func testConfig() model.Config {
	return model.Config{
		Repository: model.Repository{
			Path:   "/srv/repo",
			Remote: "origin",
			Branch: "main",
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestAppOnce(t *testing.T) {
	t.Parallel()
	var seen atomic.Pointer[model.Request]
	fetch := asyncjob.ExecutorFunc[model.Request](func(_ context.Context, req model.Request, progress asyncjob.Progress) (uint64, error) {
		seen.Store(&req)
		progress.Report(asyncjob.Event{Phase: asyncjob.PhaseReceiving, Current: 1, Total: 10})
		progress.Report(asyncjob.Event{Phase: asyncjob.PhaseReceiving, Current: 10, Total: 10})
		return 512, nil
	})
	r := newRendered()
	app, err := service.New(t.Context(), testConfig(), r, service.WithExecutor(service.KindFetch, fetch))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	res, err := app.Once(t.Context(), service.KindFetch, app.Configured())
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Equal(t, uint64(512), res.Metric)
	require.Equal(t, "/srv/repo", seen.Load().Location)

	require.Len(t, r.progress, 2)
	require.Equal(t, uint64(10), r.progress[1].Current)
	for _, req := range r.requests {
		require.Equal(t, "origin", req.Remote)
		require.Equal(t, "main", req.Branch)
	}
	require.Equal(t, 1, r.finishedCount(service.KindFetch))

	pending, err := app.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestAppOnceTextRenderer(t *testing.T) {
	t.Parallel()
	fetch := asyncjob.ExecutorFunc[model.Request](func(_ context.Context, _ model.Request, progress asyncjob.Progress) (uint64, error) {
		progress.Report(asyncjob.Event{Phase: asyncjob.PhaseReceiving, Current: 1, Total: 1})
		return 0, nil
	})
	var buf bytes.Buffer
	app, err := service.New(t.Context(), testConfig(), service.NewTextRenderer(&buf), service.WithExecutor(service.KindFetch, fetch))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	// the run is over before the progress notification is handled
	_, err = app.Once(t.Context(), service.KindFetch, app.Configured())
	require.NoError(t, err)
	require.Contains(t, buf.String(), "fetch origin/main: receiving 100% (1/1)")
}

func TestAppOnceFailure(t *testing.T) {
	t.Parallel()
	push := asyncjob.ExecutorFunc[model.Request](func(_ context.Context, req model.Request, _ asyncjob.Progress) (uint64, error) {
		if !req.Force {
			return 0, errors.New("non-fast-forward")
		}
		return 7, nil
	})
	app, err := service.New(t.Context(), testConfig(), nil, service.WithExecutor(service.KindPush, push))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	res, err := app.Once(t.Context(), service.KindPush, app.Configured())
	require.NoError(t, err)
	require.Zero(t, res.Metric)
	require.Equal(t, "non-fast-forward", res.Message)

	req := app.Configured()
	req.Force = true
	res, err = app.Once(t.Context(), service.KindPush, req)
	require.NoError(t, err)
	require.Equal(t, uint64(7), res.Metric)
}

func TestAppSingleFlight(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := asyncjob.ExecutorFunc[model.Request](func(context.Context, model.Request, asyncjob.Progress) (uint64, error) {
		calls.Add(1)
		<-release
		return 1, nil
	})
	app, err := service.New(t.Context(), testConfig(), nil, service.WithExecutor(service.KindFetch, fetch))
	require.NoError(t, err)

	require.NoError(t, app.Request(t.Context(), service.KindFetch))
	require.NoError(t, app.Request(t.Context(), service.KindFetch))
	pending, err := app.Pending()
	require.NoError(t, err)
	require.Equal(t, []asyncjob.Kind{service.KindFetch}, pending)

	closed := make(chan struct{})
	go func() {
		app.Close(context.Background())
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned while a job is running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed

	require.Equal(t, int32(1), calls.Load())
	job, err := app.Job(service.KindFetch)
	require.NoError(t, err)
	res, ok, err := job.LastResult()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), res.Metric)
}

func TestAppUnknownKind(t *testing.T) {
	t.Parallel()
	app, err := service.New(t.Context(), testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	_, err = app.Job("pull")
	require.ErrorIs(t, err, service.ErrUnknownKind)
	require.ErrorIs(t, app.Request(t.Context(), "pull"), service.ErrUnknownKind)
	_, err = app.Once(t.Context(), "pull", app.Configured())
	require.ErrorIs(t, err, service.ErrUnknownKind)
}

func TestAppOnceCanceled(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	fetch := asyncjob.ExecutorFunc[model.Request](func(context.Context, model.Request, asyncjob.Progress) (uint64, error) {
		<-release
		return 0, nil
	})
	app, err := service.New(t.Context(), testConfig(), nil, service.WithExecutor(service.KindFetch, fetch))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = app.Once(ctx, service.KindFetch, app.Configured())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	app.Close(context.Background())
}

func TestAppAutoFetch(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	fetch := asyncjob.ExecutorFunc[model.Request](func(context.Context, model.Request, asyncjob.Progress) (uint64, error) {
		calls.Add(1)
		return 3, nil
	})
	cfg := testConfig()
	cfg.AutoFetch = &model.AutoFetch{
		Enabled:  ptr(true),
		Duration: "1s",
	}
	r := newRendered()
	ctx, cancel := context.WithCancel(t.Context())
	app, err := service.New(ctx, cfg, r, service.WithExecutor(service.KindFetch, fetch))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var doErr error
	wg.Go(func() {
		doErr = app.Do(ctx)
	})

	require.Eventually(t, func() bool {
		return r.finishedCount(service.KindFetch) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
	app.Close(context.Background())
	require.NoError(t, doErr)
	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestAppHistory(t *testing.T) {
	t.Parallel()
	store, err := history.Open(t.Context(), ":memory:")
	require.NoError(t, err)

	tags := asyncjob.ExecutorFunc[model.Request](func(context.Context, model.Request, asyncjob.Progress) (uint64, error) {
		return 42, nil
	})
	app, err := service.New(t.Context(), testConfig(), nil,
		service.WithExecutor(service.KindPushTags, tags),
		service.WithHistory(store),
	)
	require.NoError(t, err)
	require.Same(t, store, app.History())

	_, err = app.Once(t.Context(), service.KindPushTags, app.Configured())
	require.NoError(t, err)

	entries, err := store.List(t.Context(), service.KindPushTags, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(42), entries[0].Metric)

	app.Close(context.Background())
	_, err = store.List(t.Context(), "", 0)
	require.ErrorIs(t, err, history.ErrClosed)
}

func TestNew(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    func(cfg *model.Config)
		then     string
	}{
		{"version", func(cfg *model.Config) { cfg.Version = 1 }, "config version 1 is not supported"},
		{"bad cron", func(cfg *model.Config) {
			cfg.AutoFetch = &model.AutoFetch{Enabled: ptr(true), Cron: "* * *"}
		}, "autofetch.cron"},
		{"empty schedule", func(cfg *model.Config) {
			cfg.AutoFetch = &model.AutoFetch{Enabled: ptr(true)}
		}, model.ErrEmptySchedule.Error()},
		{"history", func(cfg *model.Config) {
			cfg.History = &model.History{Enabled: ptr(true), Path: t.TempDir()}
		}, "initializing history"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfg := testConfig()
			tc.given(&cfg)
			_, err := service.New(t.Context(), cfg, nil)
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}

	t.Run("disabled autofetch", func(t *testing.T) {
		cfg := testConfig()
		cfg.AutoFetch = &model.AutoFetch{Cron: "* * *"}
		app, err := service.New(t.Context(), cfg, nil)
		require.NoError(t, err)
		app.Close(t.Context())
	})
}

func TestTextRenderer(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := service.NewTextRenderer(&buf)
	req := model.Request{Remote: "origin", Branch: "main"}

	r.Progress(service.KindFetch, req, asyncjob.Snapshot{Phase: asyncjob.PhaseReceiving, Current: 45, Total: 100, Bytes: 2048})
	require.Contains(t, buf.String(), "fetch origin/main: receiving  45% (45/100), 2KiB")

	buf.Reset()
	started := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	r.Finished(service.KindPush, asyncjob.Result{Message: "auth rejected", Started: started, Stopped: started.Add(time.Second)})
	require.Contains(t, buf.String(), "push failed after 1s: auth rejected\n")

	buf.Reset()
	r.Finished(service.KindFetch, asyncjob.Result{Metric: 512, Started: started, Stopped: started.Add(1500 * time.Millisecond)})
	require.Contains(t, buf.String(), "fetch done in 1.5s, 512B transferred\n")
}
