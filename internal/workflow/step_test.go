package workflow

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestStepKindDispatch(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want StepKind
	}{
		{"shell", Step{Shell: "echo hi"}, StepShell},
		{"claude", Step{Claude: "/implement spec"}, StepClaude},
		{"test", Step{Test: "go test ./..."}, StepTest},
		{"goal_seek", Step{GoalSeek: &GoalSeekSpec{Command: "run.sh", Threshold: 80}}, StepGoalSeek},
		{"foreach", Step{Foreach: &ForeachSpec{Items: []string{"a"}, Do: []Step{{Shell: "echo"}}}}, StepForeach},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.step.Kind()
			if err != nil {
				t.Fatalf("Kind: %v", err)
			}
			if got != tt.want {
				t.Errorf("Kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStepKindRejectsAmbiguity(t *testing.T) {
	if _, err := (&Step{}).Kind(); err == nil {
		t.Error("empty step should be rejected")
	}
	if _, err := (&Step{Shell: "a", Claude: "/b"}).Kind(); err == nil {
		t.Error("step with two variants should be rejected")
	}
}

func TestStepYAMLDecode(t *testing.T) {
	doc := `
shell: "go build ./..."
timeout: 120
commit_required: true
capture: build_output
capture_format: lines
when: "vars['mode'] == 'ci'"
env:
  CGO_ENABLED: "0"
on_failure:
  claude: "/fix-build ${build_output}"
  max_attempts: 3
  fail_workflow: false
on_exit_code:
  2: { shell: "echo uncompilable" }
`
	var step Step
	if err := yaml.Unmarshal([]byte(doc), &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if step.Shell != "go build ./..." || step.TimeoutSecs != 120 || !step.CommitRequired {
		t.Errorf("base fields decoded wrong: %+v", step)
	}
	if step.Capture != "build_output" || step.CaptureFormat != FormatLines {
		t.Errorf("capture fields decoded wrong: %+v", step)
	}
	if step.OnFailure == nil || step.OnFailure.Claude != "/fix-build ${build_output}" {
		t.Fatalf("on_failure not decoded: %+v", step.OnFailure)
	}
	if step.OnFailure.Attempts() != 3 || step.OnFailure.ShouldFailWorkflow() {
		t.Errorf("on_failure budget decoded wrong: %+v", step.OnFailure)
	}
	branch, ok := step.OnExitCode[2]
	if !ok || branch.Shell != "echo uncompilable" {
		t.Errorf("on_exit_code not decoded: %+v", step.OnExitCode)
	}
	if err := step.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestStepYAMLDecodeForeach(t *testing.T) {
	doc := `
foreach:
  input: "ls src/*.go"
  parallel: 4
  continue_on_error: true
  do:
    - shell: "gofmt -l ${item}"
`
	var step Step
	if err := yaml.Unmarshal([]byte(doc), &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	f := step.Foreach
	if f == nil || f.Input != "ls src/*.go" || f.Width() != 4 || !f.ContinueOnError {
		t.Fatalf("foreach decoded wrong: %+v", f)
	}
	if len(f.Do) != 1 || f.Do[0].Shell != "gofmt -l ${item}" {
		t.Errorf("foreach do decoded wrong: %+v", f.Do)
	}
	if err := step.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestStepValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{"negative timeout", Step{Shell: "x", TimeoutSecs: -1}, "timeout"},
		{"format without capture", Step{Shell: "x", CaptureFormat: FormatJSON}, "capture_format"},
		{"bad format", Step{Shell: "x", Capture: "out", CaptureFormat: "csv"}, "capture format"},
		{"goal_seek no command", Step{GoalSeek: &GoalSeekSpec{Threshold: 1}}, "command"},
		{"goal_seek bad pattern", Step{GoalSeek: &GoalSeekSpec{Command: "x", ScorePattern: "("}}, "score_pattern"},
		{"goal_seek no group", Step{GoalSeek: &GoalSeekSpec{Command: "x", ScorePattern: `score \d+`}}, "capture group"},
		{"foreach both sources", Step{Foreach: &ForeachSpec{Items: []string{"a"}, Input: "ls", Do: []Step{{Shell: "x"}}}}, "mutually exclusive"},
		{"foreach no source", Step{Foreach: &ForeachSpec{Do: []Step{{Shell: "x"}}}}, "items or input"},
		{"foreach no steps", Step{Foreach: &ForeachSpec{Items: []string{"a"}}}, "at least one step"},
		{"bad nested step", Step{Shell: "x", OnFailure: &OnFailureSpec{}}, "on_failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSteps(t *testing.T) {
	steps := []Step{{Shell: "echo a"}, {}}
	err := ValidateSteps(steps)
	if err == nil || !strings.Contains(err.Error(), "step 2") {
		t.Errorf("expected positional error, got %v", err)
	}
}
