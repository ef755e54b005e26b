package workflow

import (
	"testing"
)

func TestInterpolateLayers(t *testing.T) {
	vars := NewContext()
	vars.Variables["name"] = "alpha"
	vars.CapturedOutputs["name"] = "shadowed"
	vars.CapturedOutputs["build"] = "ok"
	vars.IterationVars["item"] = "src/main.go"

	tests := []struct {
		in, want string
	}{
		{"hello ${name}", "hello alpha"},
		{"hello $name", "hello alpha"},
		{"${build}/${item}", "ok/src/main.go"},
		{"no refs here", "no refs here"},
		{"${missing} stays", "${missing} stays"},
		{"$missing stays", "$missing stays"},
		{"$name$build", "alphaok"},
		{"literal $", "literal $"},
	}
	for _, tt := range tests {
		if got := vars.Interpolate(tt.in); got != tt.want {
			t.Errorf("Interpolate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInterpolateDottedNames(t *testing.T) {
	vars := NewContext()
	vars.Variables["map.successful"] = "7"

	if got := vars.Interpolate("done: ${map.successful}"); got != "done: 7" {
		t.Errorf("dotted braced ref = %q", got)
	}
	// Bare references stop at the dot.
	vars.Variables["map"] = "M"
	if got := vars.Interpolate("$map.successful"); got != "M.successful" {
		t.Errorf("bare dotted ref = %q", got)
	}
}

func TestChildIsolation(t *testing.T) {
	parent := NewContext()
	parent.Variables["a"] = "1"

	child := parent.Child()
	child.CapturedOutputs["b"] = "2"
	child.IterationVars["item"] = "x"

	if _, ok := parent.CapturedOutputs["b"]; ok {
		t.Error("child capture leaked into parent")
	}
	if v, _ := child.Lookup("a"); v != "1" {
		t.Error("child should inherit parent variables")
	}
}

func TestMergedPrecedence(t *testing.T) {
	vars := NewContext()
	vars.Variables["k"] = "var"
	vars.CapturedOutputs["k"] = "cap"
	vars.IterationVars["k"] = "iter"
	vars.IterationVars["only"] = "iter"

	m := vars.Merged()
	if m["k"] != "var" {
		t.Errorf("Merged precedence: got %q, want var", m["k"])
	}
	if m["only"] != "iter" {
		t.Error("iteration-only keys should survive the merge")
	}
}

func TestFormatCapture(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		format CaptureFormat
		want   string
	}{
		{"string trims", "  out\n", FormatString, "out"},
		{"default is string", "out\n", "", "out"},
		{"lines", "a\n\nb\n", FormatLines, `["a","b"]`},
		{"number", " 42.50\n", FormatNumber, "42.5"},
		{"boolean yes", "Yes\n", FormatBoolean, "true"},
		{"boolean zero", "0", FormatBoolean, "false"},
		{"json compacts", "{\"a\": 1}\n", FormatJSON, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatCapture(tt.raw, tt.format)
			if err != nil {
				t.Fatalf("FormatCapture: %v", err)
			}
			if got != tt.want {
				t.Errorf("FormatCapture = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatCaptureErrors(t *testing.T) {
	if _, err := FormatCapture("not a number", FormatNumber); err == nil {
		t.Error("bad number should error")
	}
	if _, err := FormatCapture("maybe", FormatBoolean); err == nil {
		t.Error("bad boolean should error")
	}
	if _, err := FormatCapture("{broken", FormatJSON); err == nil {
		t.Error("bad JSON should error")
	}
}
