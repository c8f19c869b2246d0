package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Remoter/internal/asyncjob"
	"github.com/CZERTAINLY/Remoter/internal/git"
	"github.com/CZERTAINLY/Remoter/internal/history"
	"github.com/CZERTAINLY/Remoter/internal/model"
)

const (
	KindFetch    asyncjob.Kind = "fetch"
	KindPush     asyncjob.Kind = "push"
	KindPushTags asyncjob.Kind = "push-tags"

	notifierSize = 64
)

var ErrUnknownKind = errors.New("unknown job kind")

// Kinds lists all job kinds in the order they are presented.
var Kinds = []asyncjob.Kind{KindFetch, KindPush, KindPushTags}

// Renderer presents job state. It is called from the goroutine running Do
// or Once only.
type Renderer interface {
	Progress(kind asyncjob.Kind, req model.Request, snapshot asyncjob.Snapshot)
	Finished(kind asyncjob.Kind, result asyncjob.Result)
}

// App owns one job per kind, the notification channel they share and the
// optional auto fetch scheduler.
type App struct {
	request   model.Request
	renderer  Renderer
	notifier  *asyncjob.Notifier
	jobs      map[asyncjob.Kind]*asyncjob.Job[model.Request]
	executors map[asyncjob.Kind]asyncjob.Executor[model.Request]
	interval  time.Duration
	scheduler gocron.Scheduler
	history   *history.Store
}

type Option func(*App)

// WithExecutor replaces the git executor of given kind.
func WithExecutor(kind asyncjob.Kind, executor asyncjob.Executor[model.Request]) Option {
	return func(a *App) {
		a.executors[kind] = executor
	}
}

// WithHistory records every finished job into store. It takes a precedence
// over the history configuration.
func WithHistory(store *history.Store) Option {
	return func(a *App) {
		a.history = store
	}
}

func New(ctx context.Context, cfg model.Config, renderer Renderer, opts ...Option) (*App, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	if renderer == nil {
		renderer = discard{}
	}

	app := &App{
		request:  cfg.Request(),
		renderer: renderer,
		notifier: asyncjob.NewNotifier(notifierSize),
		jobs:     make(map[asyncjob.Kind]*asyncjob.Job[model.Request], len(Kinds)),
		executors: map[asyncjob.Kind]asyncjob.Executor[model.Request]{
			KindFetch:    git.NewExecutor(git.OpFetch),
			KindPush:     git.NewExecutor(git.OpPush),
			KindPushTags: git.NewExecutor(git.OpPushTags),
		},
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.history == nil && cfg.History != nil && model.Get(cfg.History.Enabled) {
		path := cfg.History.Path
		if path == "" {
			path = "remoter.db"
		}
		store, err := history.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("initializing history: %w", err)
		}
		app.history = store
	}

	if af := cfg.AutoFetch; af != nil && model.Get(af.Enabled) {
		scheduler, interval, err := newScheduler(ctx, *af, func() {
			if err := app.Request(ctx, KindFetch); err != nil {
				slog.ErrorContext(ctx, "auto fetch request failed", "error", err)
			}
		})
		if err != nil {
			app.closeHistory(ctx)
			return nil, fmt.Errorf("autofetch: %w", err)
		}
		app.scheduler = scheduler
		app.interval = interval
	}

	for _, kind := range Kinds {
		var opts []asyncjob.Option[model.Request]
		if app.history != nil {
			opts = append(opts, asyncjob.WithObserver(app.history.Observe))
		}
		app.jobs[kind] = asyncjob.New(kind, app.executors[kind], app.notifier, opts...)
	}
	return app, nil
}

// Job returns the job of given kind.
func (a *App) Job(kind asyncjob.Kind) (*asyncjob.Job[model.Request], error) {
	job, ok := a.jobs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return job, nil
}

// Request starts a job of given kind for the configured repository. It does
// nothing if such job is already running.
func (a *App) Request(ctx context.Context, kind asyncjob.Kind) error {
	return a.RequestWith(ctx, kind, a.request)
}

// RequestWith starts a job of given kind with explicit parameters.
func (a *App) RequestWith(ctx context.Context, kind asyncjob.Kind, req model.Request) error {
	job, err := a.Job(kind)
	if err != nil {
		return err
	}
	return job.Request(ctx, req)
}

// Configured returns the request built from the configuration.
func (a *App) Configured() model.Request {
	return a.request
}

// Pending returns kinds of running jobs.
func (a *App) Pending() ([]asyncjob.Kind, error) {
	var pending []asyncjob.Kind
	for _, kind := range Kinds {
		ok, err := a.jobs[kind].IsPending()
		if err != nil {
			return nil, err
		}
		if ok {
			pending = append(pending, kind)
		}
	}
	return pending, nil
}

// Do runs the event loop until ctx is cancelled. It starts the auto fetch
// scheduler (if configured) and renders every notification it receives.
// The scheduler is stopped by Close.
func (a *App) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting an event loop")

	if a.scheduler != nil {
		slog.InfoContext(ctx, "auto fetch enabled", "interval", a.interval.String())
		a.scheduler.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-a.notifier.C():
			a.handle(ctx, n)
		}
	}
}

// Once requests a job with req and renders notifications until that job
// finishes. It returns the job result.
func (a *App) Once(ctx context.Context, kind asyncjob.Kind, req model.Request) (asyncjob.Result, error) {
	job, err := a.Job(kind)
	if err != nil {
		return asyncjob.Result{}, err
	}
	if err := job.Request(ctx, req); err != nil {
		return asyncjob.Result{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return asyncjob.Result{}, ctx.Err()
		case n := <-a.notifier.C():
			a.handle(ctx, n)
			if n.Kind != kind || n.Type != asyncjob.Finished {
				continue
			}
			res, ok, err := job.LastResult()
			if err != nil {
				return asyncjob.Result{}, err
			}
			if !ok {
				return asyncjob.Result{}, fmt.Errorf("%s finished without a result", kind)
			}
			return res, nil
		}
	}
}

func (a *App) handle(ctx context.Context, n asyncjob.Notification) {
	job, err := a.Job(n.Kind)
	if err != nil {
		slog.WarnContext(ctx, "notification ignored", "error", err)
		return
	}

	switch n.Type {
	case asyncjob.Progressed:
		snapshot, ok, err := job.Progress()
		if err != nil {
			slog.ErrorContext(ctx, "polling progress", "job_kind", n.Kind, "error", err)
			return
		}
		if !ok {
			return
		}
		// the run may be over already, Current would be empty then
		req, _, err := job.LastRequest()
		if err != nil {
			slog.ErrorContext(ctx, "polling request", "job_kind", n.Kind, "error", err)
			return
		}
		a.renderer.Progress(n.Kind, req, snapshot)
	case asyncjob.Finished:
		res, ok, err := job.LastResult()
		if err != nil {
			slog.ErrorContext(ctx, "polling result", "job_kind", n.Kind, "error", err)
			return
		}
		if ok {
			a.renderer.Finished(n.Kind, res)
		}
	default:
		slog.WarnContext(ctx, "notification type not supported: ignoring", "type", n.Type)
	}
}

// Close stops the scheduler and notifications, waits for running jobs and
// closes the history. Jobs are never interrupted.
func (a *App) Close(ctx context.Context) {
	if a.scheduler != nil {
		err := a.scheduler.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
		a.scheduler = nil
	}
	a.notifier.Close()
	pending, err := a.Pending()
	if err != nil {
		slog.ErrorContext(ctx, "checking pending jobs", "error", err)
	}
	if len(pending) > 0 {
		slog.InfoContext(ctx, "waiting for running jobs", "jobs", pending)
	}
	for _, kind := range Kinds {
		a.jobs[kind].Wait()
	}
	a.closeHistory(ctx)
}

// History returns the history store or nil if disabled.
func (a *App) History() *history.Store {
	return a.history
}

func (a *App) closeHistory(ctx context.Context) {
	if a.history == nil {
		return
	}
	if err := a.history.Close(); err != nil && !errors.Is(err, history.ErrClosed) {
		slog.ErrorContext(ctx, "closing history has failed", "error", err)
	}
}

func newScheduler(ctx context.Context, cfg model.AutoFetch, startFunc func()) (gocron.Scheduler, time.Duration, error) {
	interval, err := cfg.Interval()
	if err != nil {
		return nil, 0, err
	}
	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	} else {
		job = gocron.DurationJob(interval)
		slog.DebugContext(ctx, "successfully parsed", "duration", interval.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, 0, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, 0, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, interval, nil
}

type discard struct{}

func (discard) Progress(asyncjob.Kind, model.Request, asyncjob.Snapshot) {}
func (discard) Finished(asyncjob.Kind, asyncjob.Result)                  {}
