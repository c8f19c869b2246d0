package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/CZERTAINLY/Remoter/internal/asyncjob"
	"github.com/CZERTAINLY/Remoter/internal/model"
)

const (
	envUsername = "REMOTER_GIT_USERNAME"
	envPassword = "REMOTER_GIT_PASSWORD"

	// keep the last stderr lines for an error message
	stderrTail = 8
)

var (
	ErrNoLocation = errors.New("repository location is empty")
	ErrNoRemote   = errors.New("remote is empty")
	ErrNoBranch   = errors.New("branch is empty")
)

// credentialHelper answers git credential requests from the environment,
// so the password never shows up in the process arguments.
const credentialHelper = `!f() { echo "username=${` + envUsername + `}"; echo "password=${` + envPassword + `}"; }; f`

// Op is a remote operation executed by git.
type Op int

const (
	OpFetch Op = iota
	OpPush
	OpPushTags
)

func (o Op) String() string {
	switch o {
	case OpFetch:
		return "fetch"
	case OpPush:
		return "push"
	case OpPushTags:
		return "push-tags"
	default:
		return "unknown"
	}
}

func (o Op) args(req model.Request) []string {
	switch o {
	case OpFetch:
		return []string{"fetch", "--progress", req.Remote, req.Branch}
	case OpPush:
		args := []string{"push", "--progress"}
		if req.Force {
			args = append(args, "--force")
		}
		return append(args, req.Remote, "refs/heads/"+req.Branch+":refs/heads/"+req.Branch)
	case OpPushTags:
		return []string{"push", "--progress", "--tags", req.Remote}
	default:
		return nil
	}
}

// CommandError is returned when git exits with a non zero code.
type CommandError struct {
	Op       Op
	ExitCode int
	Stderr   []string
	Err      error
}

func (e *CommandError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("git %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("git %s: %s", e.Op, strings.Join(e.Stderr, "; "))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Executor runs one git remote operation per Execute call and translates its
// progress output into events. It implements asyncjob.Executor.
type Executor struct {
	op     Op
	binary string
	env    []string
}

type Option func(*Executor)

// WithBinary overrides the git binary, which is looked up in $PATH by default.
func WithBinary(path string) Option {
	return func(e *Executor) {
		e.binary = path
	}
}

// WithEnv appends extra environment variables in KEY=value form.
func WithEnv(env ...string) Option {
	return func(e *Executor) {
		e.env = append(e.env, env...)
	}
}

func NewExecutor(op Op, opts ...Option) *Executor {
	e := &Executor{
		op:     op,
		binary: "git",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Op() Op {
	return e.op
}

// Execute runs git and returns the number of transferred bytes as reported
// by git. Zero is returned when git did not report any size.
func (e *Executor) Execute(ctx context.Context, req model.Request, progress asyncjob.Progress) (uint64, error) {
	if err := validate(e.op, req); err != nil {
		return 0, err
	}

	args := []string{"-C", req.Location}
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	if c := req.Credential; c != nil && c.IsComplete() {
		args = append(args, "-c", "credential.helper=", "-c", "credential.helper="+credentialHelper)
		env = append(env, envUsername+"="+c.Username, envPassword+"="+c.Password)
	}
	args = append(args, e.op.args(req)...)
	env = append(env, e.env...)

	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Env = env
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}

	slog.DebugContext(ctx, "starting git", "op", e.op.String(), "request", req)
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// stderr must be drained before Wait
	out := processStderr(ctx, stderr, progress)
	err = cmd.Wait()
	if err != nil {
		cmdErr := &CommandError{
			Op:       e.op,
			ExitCode: -1,
			Stderr:   out.messages,
			Err:      err,
		}
		if cmd.ProcessState != nil {
			cmdErr.ExitCode = cmd.ProcessState.ExitCode()
		}
		return 0, cmdErr
	}
	slog.DebugContext(ctx, "git finished", "op", e.op.String(), "stdout", stdout.String())
	return out.transferred, nil
}

type stderrOutput struct {
	transferred uint64
	messages    []string
}

func processStderr(ctx context.Context, stderr io.Reader, progress asyncjob.Progress) stderrOutput {
	var out stderrOutput
	scanner := newLineScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if e, ok := ParseProgress(line); ok {
			if e.Bytes > out.transferred {
				out.transferred = e.Bytes
			}
			progress.Report(e)
			continue
		}
		if strings.HasPrefix(line, "hint:") {
			continue
		}
		slog.DebugContext(ctx, "git", "stderr", line)
		out.messages = append(out.messages, line)
		if len(out.messages) > stderrTail {
			out.messages = out.messages[1:]
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
		// git blocks on a full pipe otherwise and Wait never returns
		if _, err := io.Copy(io.Discard, stderr); err != nil {
			slog.DebugContext(ctx, "discarding stderr", "error", err)
		}
	}
	return out
}

func validate(op Op, req model.Request) error {
	var errs []error
	if req.Location == "" {
		errs = append(errs, ErrNoLocation)
	}
	if req.Remote == "" {
		errs = append(errs, ErrNoRemote)
	}
	if req.Branch == "" && op != OpPushTags {
		errs = append(errs, ErrNoBranch)
	}
	return errors.Join(errs...)
}
