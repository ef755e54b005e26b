package workflow

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	engerr "github.com/iepathos/prodigy/internal/errors"
)

func TestGoalSeekConverges(t *testing.T) {
	r := newTestRunner()
	step := &Step{GoalSeek: &GoalSeekSpec{
		Command:       `echo "score: $ITERATION"`,
		Threshold:     3,
		MaxIterations: 5,
	}}

	res, err := r.RunStep(context.Background(), t.TempDir(), step, NewContext())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if res.Score != 3 {
		t.Errorf("score = %v, want 3", res.Score)
	}
	if !res.Success() {
		t.Errorf("result = %+v", res)
	}
}

func TestGoalSeekFailOnIncomplete(t *testing.T) {
	r := newTestRunner()
	step := &Step{GoalSeek: &GoalSeekSpec{
		Command:          `echo "score: 1"`,
		Threshold:        100,
		MaxIterations:    2,
		FailOnIncomplete: true,
	}}

	res, err := r.RunStep(context.Background(), t.TempDir(), step, NewContext())
	if err == nil {
		t.Fatal("expected goal-seek failure")
	}
	if engerr.IsRetriable(err) {
		t.Error("goal-seek exhaustion should not be retried by the scheduler")
	}
	if res.Score != 1 {
		t.Errorf("best score = %v, want 1", res.Score)
	}
}

func TestGoalSeekIncompleteWithoutFailFlag(t *testing.T) {
	r := newTestRunner()
	step := &Step{GoalSeek: &GoalSeekSpec{
		Command:       `echo "score: 2"`,
		Threshold:     100,
		MaxIterations: 2,
	}}

	res, err := r.RunStep(context.Background(), t.TempDir(), step, NewContext())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if !res.Success() || res.Score != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestGoalSeekCustomPattern(t *testing.T) {
	r := newTestRunner()
	step := &Step{GoalSeek: &GoalSeekSpec{
		Command:       `echo "coverage=87.5%"`,
		ScorePattern:  `coverage=(\d+(?:\.\d+)?)%`,
		Threshold:     80,
		MaxIterations: 1,
	}}

	res, err := r.RunStep(context.Background(), t.TempDir(), step, NewContext())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if res.Score != 87.5 {
		t.Errorf("score = %v, want 87.5", res.Score)
	}
}

func TestGoalSeekLastScoreWins(t *testing.T) {
	if s, ok := extractScore(mustScorePattern(t, defaultScorePattern), "score: 10\nretry\nscore: 20\n"); !ok || s != 20 {
		t.Errorf("extractScore = %v/%v, want 20", s, ok)
	}
	if _, ok := extractScore(mustScorePattern(t, defaultScorePattern), "no scores here"); ok {
		t.Error("absent score should report !ok")
	}
}

func mustScorePattern(t *testing.T, src string) *regexp.Regexp {
	t.Helper()
	re, err := compileScorePattern(src)
	if err != nil {
		t.Fatalf("compileScorePattern: %v", err)
	}
	return re
}

func TestForeachStaticItems(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()
	step := &Step{Foreach: &ForeachSpec{
		Items: []string{"a", "b", "c"},
		Do:    []Step{{Shell: "echo ${item}:${iteration}/${total} >> seen"}},
	}}

	res, err := r.RunStep(context.Background(), dir, step, NewContext())
	if err != nil || !res.Success() {
		t.Fatalf("RunStep: res=%+v err=%v", res, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "seen"))
	if err != nil {
		t.Fatalf("read seen: %v", err)
	}
	got := strings.TrimSpace(string(data))
	want := "a:1/3\nb:2/3\nc:3/3"
	if got != want {
		t.Errorf("seen = %q, want %q", got, want)
	}
}

func TestForeachInputCommand(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()
	step := &Step{Foreach: &ForeachSpec{
		Input: `printf 'one\ntwo\n\n'`,
		Do:    []Step{{Shell: "echo ${item} >> seen"}},
	}}

	if _, err := r.RunStep(context.Background(), dir, step, NewContext()); err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "seen"))
	if got := strings.TrimSpace(string(data)); got != "one\ntwo" {
		t.Errorf("seen = %q", got)
	}
}

func TestForeachStopsOnFailure(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()
	step := &Step{Foreach: &ForeachSpec{
		Items: []string{"a", "b", "c"},
		Do:    []Step{{Shell: `sh -c 'test ${item} != b' && echo ${item} >> seen`}},
	}}

	_, err := r.RunStep(context.Background(), dir, step, NewContext())
	if err == nil {
		t.Fatal("expected foreach failure")
	}
	if !strings.Contains(err.Error(), `"b"`) {
		t.Errorf("error should name the failing item: %v", err)
	}
}

func TestForeachContinueOnError(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()
	step := &Step{Foreach: &ForeachSpec{
		Items:           []string{"a", "b", "c"},
		ContinueOnError: true,
		Do:              []Step{{Shell: `test ${item} != b && echo ${item} >> seen`}},
	}}

	_, err := r.RunStep(context.Background(), dir, step, NewContext())
	if err == nil {
		t.Fatal("continue_on_error still fails the step at the end")
	}
	data, _ := os.ReadFile(filepath.Join(dir, "seen"))
	got := strings.TrimSpace(string(data))
	if !strings.Contains(got, "a") || !strings.Contains(got, "c") {
		t.Errorf("later items should still run: seen = %q", got)
	}
}

func TestForeachParallelBounded(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()
	step := &Step{Foreach: &ForeachSpec{
		Items:    []string{"1", "2", "3", "4"},
		Parallel: 2,
		Do:       []Step{{Shell: "sleep 0.05; echo ${item} >> seen"}},
	}}

	res, err := r.RunStep(context.Background(), dir, step, NewContext())
	if err != nil || !res.Success() {
		t.Fatalf("RunStep: res=%+v err=%v", res, err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "seen"))
	if lines := strings.Fields(strings.TrimSpace(string(data))); len(lines) != 4 {
		t.Errorf("all items should complete, seen = %q", string(data))
	}
}
