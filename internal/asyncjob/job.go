package asyncjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Remoter/internal/log"
)

const defaultProgressBuffer = 64

var ErrExecutorPanic = errors.New("executor panicked")

// Executor performs the blocking remote operation. It may call
// progress.Report zero or more times before it returns. Progress must not be
// used once Execute has returned, such reports are lost.
type Executor[Req any] interface {
	Execute(ctx context.Context, req Req, progress Progress) (uint64, error)
}

type ExecutorFunc[Req any] func(ctx context.Context, req Req, progress Progress) (uint64, error)

func (f ExecutorFunc[Req]) Execute(ctx context.Context, req Req, progress Progress) (uint64, error) {
	return f(ctx, req, progress)
}

// Result is the outcome of the most recently finished run. Message is empty
// on success, Metric is zero on failure.
type Result struct {
	Metric  uint64
	Message string
	RunID   string
	Started time.Time
	Stopped time.Time
}

func (r Result) Succeeded() bool {
	return r.Message == ""
}

// Record is passed to observers once a run is over.
type Record[Req any] struct {
	Kind    Kind
	Request Req
	Result  Result
}

type state[Req any] struct {
	request Req
	runID   string
	started time.Time
}

type Option[Req any] func(*Job[Req])

// WithObserver registers fn to be called after every finished run, once the
// result is stored and the job is no longer pending.
func WithObserver[Req any](fn func(ctx context.Context, rec Record[Req]) error) Option[Req] {
	return func(j *Job[Req]) {
		j.observers = append(j.observers, fn)
	}
}

// WithProgressBuffer sets the capacity of the private progress channel.
func WithProgressBuffer[Req any](size int) Option[Req] {
	return func(j *Job[Req]) {
		if size > 0 {
			j.progressBuffer = size
		}
	}
}

// Job runs at most one Executor call at a time and exposes its progress and
// last result through independently locked slots.
type Job[Req any] struct {
	kind           Kind
	executor       Executor[Req]
	notifier       *Notifier
	observers      []func(context.Context, Record[Req]) error
	progressBuffer int

	state    *Slot[state[Req]]
	latest   *Slot[Req]
	progress *Slot[Snapshot]
	result   *Slot[Result]
	wg       sync.WaitGroup
}

func New[Req any](kind Kind, executor Executor[Req], notifier *Notifier, opts ...Option[Req]) *Job[Req] {
	j := &Job[Req]{
		kind:           kind,
		executor:       executor,
		notifier:       notifier,
		progressBuffer: defaultProgressBuffer,
		state:          NewSlot[state[Req]](string(kind) + " state"),
		latest:         NewSlot[Req](string(kind) + " request"),
		progress:       NewSlot[Snapshot](string(kind) + " progress"),
		result:         NewSlot[Result](string(kind) + " result"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Job[Req]) Kind() Kind {
	return j.kind
}

// Request starts a new run with req unless one is already pending, in which
// case it does nothing. It never waits for the run. The returned error only
// reports a broken slot, failures of the run end up in LastResult.
func (j *Job[Req]) Request(ctx context.Context, req Req) error {
	st := state[Req]{
		request: req,
		runID:   uuid.NewString(),
		started: time.Now().UTC(),
	}
	admitted, err := j.state.StoreIfEmpty(st)
	if err != nil {
		return fmt.Errorf("admitting %s request: %w", j.kind, err)
	}
	if !admitted {
		slog.DebugContext(ctx, "job pending: ignoring request", "job_kind", j.kind)
		return nil
	}

	if err := j.progress.Reset(); err != nil {
		return j.abort(fmt.Errorf("resetting %s progress: %w", j.kind, err))
	}
	if err := j.latest.Store(req); err != nil {
		return j.abort(fmt.Errorf("recording %s request: %w", j.kind, err))
	}

	j.wg.Add(1)
	go j.run(ctx, st)
	return nil
}

// abort releases the state of a run, which was admitted but never started.
func (j *Job[Req]) abort(err error) error {
	if rerr := j.state.Reset(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

// IsPending reports if a run is active.
func (j *Job[Req]) IsPending() (bool, error) {
	ok, err := j.state.IsSet()
	if err != nil {
		return false, fmt.Errorf("reading %s state: %w", j.kind, err)
	}
	return ok, nil
}

// Current returns the request of the active run.
func (j *Job[Req]) Current() (Req, bool, error) {
	st, ok, err := j.state.Load()
	if err != nil {
		var zero Req
		return zero, false, fmt.Errorf("reading %s state: %w", j.kind, err)
	}
	return st.request, ok, nil
}

// LastRequest returns the request of the active or the most recently
// finished run. Unlike Current it survives the end of the run, so a queued
// notification can still be attributed to its request.
func (j *Job[Req]) LastRequest() (Req, bool, error) {
	req, ok, err := j.latest.Load()
	if err != nil {
		var zero Req
		return zero, false, fmt.Errorf("reading %s request: %w", j.kind, err)
	}
	return req, ok, nil
}

// Progress returns the latest snapshot of the active (or just finished) run.
func (j *Job[Req]) Progress() (Snapshot, bool, error) {
	s, ok, err := j.progress.Load()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("reading %s progress: %w", j.kind, err)
	}
	return s, ok, nil
}

// LastResult returns the outcome of the most recently finished run.
func (j *Job[Req]) LastResult() (Result, bool, error) {
	r, ok, err := j.result.Load()
	if err != nil {
		return Result{}, false, fmt.Errorf("reading %s result: %w", j.kind, err)
	}
	return r, ok, nil
}

// Wait blocks until no run started by this job is active. Not to be called
// from a render loop.
func (j *Job[Req]) Wait() {
	j.wg.Wait()
}

func (j *Job[Req]) run(parent context.Context, st state[Req]) {
	defer j.wg.Done()

	// runs are never cancelled, the context only carries values
	ctx := log.ContextAttrs(context.WithoutCancel(parent), slog.Group("job",
		slog.String("kind", string(j.kind)),
		slog.String("run_id", st.runID),
	))
	slog.DebugContext(ctx, "job started", "request", st.request)

	events := make(chan Event, j.progressBuffer)
	var g errgroup.Group
	g.Go(func() error {
		return j.relay(events)
	})

	over := make(chan struct{})
	metric, execErr := j.execute(ctx, st.request, Progress{ch: events, over: over})

	events <- Event{Phase: PhaseDone}
	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "progress relay failed", "error", err)
	}
	close(over)

	res := Result{
		RunID:   st.runID,
		Started: st.started,
		Stopped: time.Now().UTC(),
	}
	if execErr != nil {
		res.Message = message(execErr)
		slog.ErrorContext(ctx, "job failed", "error", execErr)
	} else {
		res.Metric = metric
		slog.InfoContext(ctx, "job finished",
			"metric", metric,
			"duration", res.Stopped.Sub(res.Started).String(),
		)
	}

	// result first, then release, then notify: a Finished notification is
	// only observed with the final values in place
	if err := j.result.Store(res); err != nil {
		slog.ErrorContext(ctx, "storing job result", "error", err)
	}
	if err := j.state.Reset(); err != nil {
		slog.ErrorContext(ctx, "clearing job state", "error", err)
	}
	if err := j.notifier.Notify(ctx, Notification{Kind: j.kind, Type: Finished}); err != nil {
		slog.WarnContext(ctx, "finished notification not delivered", "error", err)
	}

	rec := Record[Req]{Kind: j.kind, Request: st.request, Result: res}
	for _, observe := range j.observers {
		if err := observe(ctx, rec); err != nil {
			slog.ErrorContext(ctx, "job observer failed", "error", err)
		}
	}
}

func (j *Job[Req]) execute(ctx context.Context, req Req, progress Progress) (metric uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			metric = 0
			err = fmt.Errorf("%w: %v", ErrExecutorPanic, r)
		}
	}()
	return j.executor.Execute(ctx, req, progress)
}

// relay drains events until the done marker. It keeps draining after a
// failure so the executor never blocks on a full channel, and reports the
// first failure once done.
func (j *Job[Req]) relay(events <-chan Event) error {
	var first error
	for e := range events {
		if e.done() {
			break
		}
		if err := j.forward(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (j *Job[Req]) forward(e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("forwarding progress: panic: %v", r)
		}
	}()
	if err := j.progress.Store(snapshot(e)); err != nil {
		return err
	}
	j.notifier.TryNotify(Notification{Kind: j.kind, Type: Progressed})
	return nil
}

func message(err error) string {
	msg := err.Error()
	if msg == "" {
		return "unknown error"
	}
	return msg
}
