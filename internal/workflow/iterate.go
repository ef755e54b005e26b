package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	engerr "github.com/iepathos/prodigy/internal/errors"
)

// runGoalSeek loops the inner command until the extracted score meets the
// threshold or the iteration budget runs out.
func (r *Runner) runGoalSeek(ctx context.Context, dir string, step *Step, vars *Context) (*StepResult, error) {
	g := step.GoalSeek
	re, err := compileScorePattern(g.Pattern())
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfigInvalid, "goal_seek score pattern", err)
	}

	best := 0.0
	scored := false
	var last *StepResult
	for i := 1; i <= g.Iterations(); i++ {
		iterVars := vars.Child()
		iterVars.IterationVars["iteration"] = strconv.Itoa(i)
		iterVars.IterationVars["total"] = strconv.Itoa(g.Iterations())

		command := iterVars.Interpolate(g.Command)
		spec := CommandSpec{Name: "sh", Args: []string{"-c", command}, Dir: dir}
		spec.Env = r.stepEnv(step, iterVars)

		out, err := r.Exec(ctx, spec)
		last = &StepResult{
			Kind:     StepGoalSeek,
			Command:  command,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: out.ExitCode,
		}
		if err != nil {
			return last, classifyExecErr(err, last, ctx)
		}

		score, ok := extractScore(re, out.Stdout)
		if ok {
			if !scored || score > best {
				best = score
				scored = true
			}
			r.Log.Debug("goal_seek iteration scored",
				"iteration", i, "score", score, "threshold", g.Threshold)
			if score >= g.Threshold {
				last.Score = score
				last.ExitCode = 0
				return last, nil
			}
		} else {
			r.Log.Debug("goal_seek iteration produced no score", "iteration", i)
		}
	}

	last.Score = best
	if g.FailOnIncomplete {
		last.ExitCode = 1
		return last, engerr.NewError(engerr.KindAgentSubprocess,
			fmt.Sprintf("goal not reached: best score %.2f below threshold %.2f after %d iterations",
				best, g.Threshold, g.Iterations())).WithRetriable(false)
	}
	last.ExitCode = 0
	return last, nil
}

// extractScore returns the last score the pattern finds in output.
func extractScore(re *regexp.Regexp, output string) (float64, bool) {
	matches := re.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, false
	}
	raw := matches[len(matches)-1][1]
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// runForeach iterates the inner steps over the item list with bounded
// parallelism.
func (r *Runner) runForeach(ctx context.Context, dir string, step *Step, vars *Context) (*StepResult, error) {
	f := step.Foreach

	items := f.Items
	if f.Input != "" {
		command := vars.Interpolate(f.Input)
		spec := CommandSpec{Name: "sh", Args: []string{"-c", command}, Dir: dir}
		spec.Env = r.stepEnv(step, vars)
		out, err := r.Exec(ctx, spec)
		if err != nil {
			return nil, classifyExecErr(err, nil, ctx)
		}
		if out.ExitCode != 0 {
			return &StepResult{Kind: StepForeach, Command: command, Stderr: out.Stderr, ExitCode: out.ExitCode},
				engerr.NewError(engerr.KindAgentSubprocess,
					fmt.Sprintf("foreach input command exited with code %d", out.ExitCode)).WithStderr(out.Stderr)
		}
		for _, line := range strings.Split(out.Stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				items = append(items, line)
			}
		}
	}

	total := len(items)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(f.Width())

	var mu sync.Mutex
	var failed []string
	for i, item := range items {
		i, item := i, item
		grp.Go(func() error {
			child := vars.Child()
			child.IterationVars["item"] = item
			child.IterationVars["iteration"] = strconv.Itoa(i + 1)
			child.IterationVars["total"] = strconv.Itoa(total)

			for j := range f.Do {
				res, err := r.RunStep(gctx, dir, &f.Do[j], child)
				if err == nil && res != nil && !res.Success() {
					err = commandError(res)
				}
				if err != nil {
					if f.ContinueOnError {
						mu.Lock()
						failed = append(failed, item)
						mu.Unlock()
						return nil
					}
					return fmt.Errorf("item %q: %w", item, err)
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return &StepResult{Kind: StepForeach, ExitCode: 1}, err
	}
	if len(failed) > 0 {
		return &StepResult{Kind: StepForeach, ExitCode: 1},
			engerr.NewError(engerr.KindAgentSubprocess,
				fmt.Sprintf("%d of %d foreach items failed", len(failed), total)).WithRetriable(false)
	}
	return &StepResult{Kind: StepForeach}, nil
}
