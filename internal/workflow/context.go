package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Context is the three-layer variable scope a workflow runs under. Lookup
// order is Variables, then CapturedOutputs, then IterationVars; the first
// layer that defines a name wins.
type Context struct {
	Variables       map[string]string
	CapturedOutputs map[string]string
	IterationVars   map[string]string
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{
		Variables:       map[string]string{},
		CapturedOutputs: map[string]string{},
		IterationVars:   map[string]string{},
	}
}

// Child returns a copy sharing no maps with the parent. Foreach iterations
// run in a child so captures and iteration vars do not leak back.
func (c *Context) Child() *Context {
	child := NewContext()
	for k, v := range c.Variables {
		child.Variables[k] = v
	}
	for k, v := range c.CapturedOutputs {
		child.CapturedOutputs[k] = v
	}
	for k, v := range c.IterationVars {
		child.IterationVars[k] = v
	}
	return child
}

// Lookup resolves a name through the layers in order.
func (c *Context) Lookup(name string) (string, bool) {
	if v, ok := c.Variables[name]; ok {
		return v, true
	}
	if v, ok := c.CapturedOutputs[name]; ok {
		return v, true
	}
	if v, ok := c.IterationVars[name]; ok {
		return v, true
	}
	return "", false
}

// Merged flattens the layers into one map, respecting lookup precedence.
func (c *Context) Merged() map[string]string {
	out := make(map[string]string, len(c.Variables)+len(c.CapturedOutputs)+len(c.IterationVars))
	for k, v := range c.IterationVars {
		out[k] = v
	}
	for k, v := range c.CapturedOutputs {
		out[k] = v
	}
	for k, v := range c.Variables {
		out[k] = v
	}
	return out
}

// varPattern matches ${name} and $name references. Braced names may be
// dotted (map.successful); bare names may not.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Interpolate substitutes variable references in s. Unresolved references
// are left literal.
func (c *Context) Interpolate(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return varPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := varPattern.FindStringSubmatch(ref)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if v, ok := c.Lookup(name); ok {
			return v
		}
		return ref
	})
}

// InterpolateMap substitutes references in every value of m, returning a
// new map.
func (c *Context) InterpolateMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = c.Interpolate(v)
	}
	return out
}

// CaptureFormat controls how captured stdout is stored.
type CaptureFormat string

const (
	FormatString  CaptureFormat = "string"
	FormatLines   CaptureFormat = "lines"
	FormatNumber  CaptureFormat = "number"
	FormatBoolean CaptureFormat = "boolean"
	FormatJSON    CaptureFormat = "json"
)

// Validate rejects unknown formats.
func (f CaptureFormat) Validate() error {
	switch f {
	case "", FormatString, FormatLines, FormatNumber, FormatBoolean, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown capture format %q", string(f))
	}
}

// FormatCapture converts raw step output into the stored representation:
// string trims surrounding whitespace; lines stores a JSON array of
// non-empty lines; number and boolean parse and canonicalize; json
// validates and compacts.
func FormatCapture(raw string, format CaptureFormat) (string, error) {
	switch format {
	case "", FormatString:
		return strings.TrimSpace(raw), nil
	case FormatLines:
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		data, err := json.Marshal(lines)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case FormatNumber:
		trimmed := strings.TrimSpace(raw)
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return "", fmt.Errorf("capture is not a number: %q", trimmed)
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case FormatBoolean:
		trimmed := strings.ToLower(strings.TrimSpace(raw))
		switch trimmed {
		case "true", "1", "yes":
			return "true", nil
		case "false", "0", "no", "":
			return "false", nil
		default:
			return "", fmt.Errorf("capture is not a boolean: %q", trimmed)
		}
	case FormatJSON:
		var buf strings.Builder
		var v any
		trimmed := strings.TrimSpace(raw)
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			return "", fmt.Errorf("capture is not valid JSON: %w", err)
		}
		enc := json.NewEncoder(&buf)
		if err := enc.Encode(v); err != nil {
			return "", err
		}
		return strings.TrimSpace(buf.String()), nil
	default:
		return "", fmt.Errorf("unknown capture format %q", string(format))
	}
}
