package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/gitx"
)

// StepResult is the terminal outcome of one step.
type StepResult struct {
	Kind     StepKind
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Skipped  bool
	Duration time.Duration

	// Commits harvested when the step ran with commit_required.
	Commits []string

	// Score is the best score seen by a goal_seek step.
	Score float64
}

// Success reports whether the step ended cleanly. A skipped step counts as
// success.
func (r *StepResult) Success() bool {
	return r.Skipped || r.ExitCode == 0
}

// Runner executes workflow steps in a working directory. One Runner serves
// one workflow run; the scheduler builds a fresh Runner per agent attempt
// with the attempt's environment baked in.
type Runner struct {
	// AgentBinary is the agent CLI executable, default "claude".
	AgentBinary string

	// AgentArgs are extra arguments inserted before the slash command.
	AgentArgs []string

	// Env is injected into every subprocess the runner spawns.
	Env map[string]string

	// Exec runs subprocesses; replaceable in tests.
	Exec Executor

	// OnProgress, when set, is called after each completed workflow step.
	OnProgress func(index int, step *Step, res *StepResult)

	Log *slog.Logger
}

// NewRunner returns a Runner using the real subprocess executor with the
// given termination grace.
func NewRunner(agentBinary string, grace time.Duration, log *slog.Logger) *Runner {
	if agentBinary == "" {
		agentBinary = "claude"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		AgentBinary: agentBinary,
		Env:         map[string]string{},
		Exec:        NewExecutor(grace),
		Log:         log,
	}
}

// RunWorkflow executes steps in order, stopping at the first failure. The
// results of all completed steps are returned alongside the error.
func (r *Runner) RunWorkflow(ctx context.Context, dir string, steps []Step, vars *Context) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))
	for i := range steps {
		res, err := r.RunStep(ctx, dir, &steps[i], vars)
		if res != nil {
			results = append(results, *res)
			if r.OnProgress != nil {
				r.OnProgress(i, &steps[i], res)
			}
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunStep executes a single step. A nil error with a non-zero ExitCode in
// the result means the step failed but was configured not to fail the
// workflow.
func (r *Runner) RunStep(ctx context.Context, dir string, step *Step, vars *Context) (*StepResult, error) {
	kind, err := step.Kind()
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfigInvalid, "invalid step", err)
	}

	if step.When != "" {
		ok, err := evalWhen(vars.Interpolate(step.When), vars.Merged())
		if err != nil {
			return nil, engerr.Wrap(engerr.KindConfigInvalid, "when expression", err)
		}
		if !ok {
			r.Log.Debug("step skipped", "kind", string(kind), "when", step.When)
			return &StepResult{Kind: kind, Skipped: true}, nil
		}
	}

	runCtx := ctx
	if step.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSecs)*time.Second)
		defer cancel()
	}

	var before string
	if step.CommitRequired {
		before, err = gitx.At(dir).Head(runCtx)
		if err != nil {
			return nil, engerr.Wrap(engerr.KindEnvironment, "reading HEAD before step", err)
		}
	}

	start := time.Now()
	var res *StepResult
	switch kind {
	case StepGoalSeek:
		res, err = r.runGoalSeek(runCtx, dir, step, vars)
	case StepForeach:
		res, err = r.runForeach(runCtx, dir, step, vars)
	default:
		res, err = r.runCommand(runCtx, ctx, dir, step, vars, kind)
	}
	if res == nil {
		res = &StepResult{Kind: kind}
	}
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, nil
	}

	if step.CommitRequired {
		after, herr := gitx.At(dir).Head(runCtx)
		if herr != nil {
			return res, engerr.Wrap(engerr.KindEnvironment, "reading HEAD after step", herr)
		}
		commits, herr := gitx.At(dir).CommitsBetween(runCtx, before, after)
		if herr != nil {
			return res, engerr.Wrap(engerr.KindEnvironment, "listing step commits", herr)
		}
		if len(commits) == 0 {
			return res, engerr.NewError(engerr.KindNoCommits, "step exited cleanly without committing")
		}
		res.Commits = commits
	}

	if step.Capture != "" {
		formatted, ferr := FormatCapture(res.Stdout, step.CaptureFormat)
		if ferr != nil {
			return res, engerr.Wrap(engerr.KindConfigInvalid, fmt.Sprintf("capturing %s", step.Capture), ferr)
		}
		vars.CapturedOutputs[step.Capture] = formatted
	}
	return res, nil
}

// runCommand runs the shell, claude, and test variants, including the
// remediate-and-retry loop shared by test steps and any step with an
// on_failure handler.
func (r *Runner) runCommand(runCtx, outer context.Context, dir string, step *Step, vars *Context, kind StepKind) (*StepResult, error) {
	handler := step.OnFailure
	budget := 0
	if handler != nil {
		budget = handler.Attempts()
	}

	remediations := 0
	for {
		res, err := r.execVariant(runCtx, dir, step, vars, kind)
		if err != nil {
			return res, classifyExecErr(err, res, outer)
		}

		// Exit-code routing replaces default handling entirely, exit 0
		// included.
		if branch, ok := step.OnExitCode[res.ExitCode]; ok {
			return r.RunStep(outer, dir, branch, vars)
		}
		if res.ExitCode == 0 {
			return res, nil
		}

		if handler == nil || remediations >= budget {
			if handler != nil && !handler.ShouldFailWorkflow() {
				r.Log.Warn("step failed without failing workflow",
					"command", res.Command, "exit_code", res.ExitCode)
				return res, nil
			}
			return res, commandError(res)
		}

		remediations++
		r.Log.Info("running on_failure remediation",
			"command", res.Command, "attempt", remediations, "budget", budget)
		if _, herr := r.RunStep(outer, dir, &handler.Step, vars); herr != nil {
			if !handler.ShouldFailWorkflow() {
				return res, nil
			}
			return res, herr
		}
	}
}

// execVariant spawns the subprocess for a command-shaped step.
func (r *Runner) execVariant(ctx context.Context, dir string, step *Step, vars *Context, kind StepKind) (*StepResult, error) {
	var spec CommandSpec
	var command string

	switch kind {
	case StepShell, StepTest:
		command = vars.Interpolate(step.Command())
		spec = CommandSpec{Name: "sh", Args: []string{"-c", command}, Dir: dir}
	case StepClaude:
		command = vars.Interpolate(step.Claude)
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return nil, engerr.NewError(engerr.KindConfigInvalid, "empty claude command")
		}
		if !strings.HasPrefix(fields[0], "/") {
			fields[0] = "/" + fields[0]
		}
		args := append([]string{"--dangerously-skip-permissions", "--print"}, r.AgentArgs...)
		args = append(args, fields...)
		spec = CommandSpec{Name: r.AgentBinary, Args: args, Dir: dir}
		spec.Env = append(spec.Env, "ARGUMENTS="+strings.Join(fields[1:], " "))
	default:
		return nil, engerr.NewError(engerr.KindConfigInvalid, fmt.Sprintf("%s is not a command step", kind))
	}
	spec.Env = append(spec.Env, r.stepEnv(step, vars)...)

	r.Log.Debug("running step command", "kind", string(kind), "command", command)
	out, err := r.Exec(ctx, spec)
	res := &StepResult{
		Kind:     kind,
		Command:  command,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
	}
	return res, err
}

// stepEnv assembles the subprocess environment: runner env, then
// step-scoped env, then foreach iteration indices.
func (r *Runner) stepEnv(step *Step, vars *Context) []string {
	merged := make(map[string]string, len(r.Env)+len(step.Env)+2)
	for k, v := range r.Env {
		merged[k] = v
	}
	for k, v := range vars.InterpolateMap(step.Env) {
		merged[k] = v
	}
	if it, ok := vars.IterationVars["iteration"]; ok {
		merged["ITERATION"] = it
	}
	if total, ok := vars.IterationVars["total"]; ok {
		merged["TOTAL"] = total
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// classifyExecErr turns an executor error into an engine error: a step
// timeout when the step's own deadline expired, Cancelled when the outer
// context ended, the raw spawn error otherwise.
func classifyExecErr(err error, res *StepResult, outer context.Context) error {
	var ee *engerr.EngineError
	if errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && outer.Err() == nil {
		return engerr.Wrap(engerr.KindTimeout, "step exceeded its timeout", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || outer.Err() != nil {
		return engerr.Wrap(engerr.KindCancelled, "step cancelled", err)
	}
	msg := "spawning step command"
	if res != nil && res.Command != "" {
		msg = fmt.Sprintf("spawning %q", res.Command)
	}
	// Spawn failures are fatal unless the error text carries a transient
	// signature, such as fork hitting EAGAIN or a refused connection.
	return engerr.Wrap(engerr.KindAgentSubprocess, msg, err).
		WithRetriable(engerr.IsTransientStderr(err.Error()))
}

// commandError builds the failure for a non-zero exit.
func commandError(res *StepResult) error {
	e := engerr.NewError(engerr.KindAgentSubprocess,
		fmt.Sprintf("command exited with code %d", res.ExitCode)).
		WithStderr(res.Stderr)
	return e
}

// evalWhen evaluates a when guard. The variable context is exposed as the
// string map `vars`; the interpolated expression must yield a boolean.
func evalWhen(expr string, vars map[string]string) (bool, error) {
	env, err := cel.NewEnv(cel.Variable("vars", cel.MapType(cel.StringType, cel.StringType)))
	if err != nil {
		return false, err
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return false, iss.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"vars": vars})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("when expression %q is not boolean", expr)
	}
	return b, nil
}

// compileScorePattern compiles a goal_seek score regex and checks it has a
// capture group for the score.
func compileScorePattern(src string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, err
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("score pattern needs a capture group for the score")
	}
	return re, nil
}
