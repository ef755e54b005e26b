// Package items loads and shapes the work items a MapReduce job fans out
// over. Items come from a JSON or JSONL file (or stdin), are optionally
// narrowed by a JSONPath selector and a CEL filter expression, then sorted
// and windowed before the scheduler sees them.
package items

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/ohler55/ojg/jp"

	engerr "github.com/iepathos/prodigy/internal/errors"
)

// Item is one unit of map-phase work.
type Item struct {
	// ID is the stable identity used for checkpoints, branches, and the DLQ.
	ID string
	// Data is the decoded item value.
	Data any
}

// JSON returns the canonical JSON encoding of the item data.
func (it Item) JSON() string {
	data, err := json.Marshal(it.Data)
	if err != nil {
		return "null"
	}
	return string(data)
}

// Source describes where items come from and how to shape them.
type Source struct {
	// Input is a file path, or "-" for stdin.
	Input string `yaml:"input" json:"input"`
	// JSONPath selects items out of the decoded document. Empty means the
	// document itself (an array) is the item list.
	JSONPath string `yaml:"json_path" json:"json_path,omitempty"`
	// Filter is a CEL expression over `item`; items where it is not true
	// are dropped.
	Filter string `yaml:"filter" json:"filter,omitempty"`
	// SortBy is a dotted field path to order items by.
	SortBy string `yaml:"sort_by" json:"sort_by,omitempty"`
	// SortDesc reverses the sort order.
	SortDesc bool `yaml:"sort_desc" json:"sort_desc,omitempty"`
	// Offset skips that many items after filtering and sorting.
	Offset int `yaml:"offset" json:"offset,omitempty"`
	// Limit caps the item count after offset. Zero means no cap.
	Limit int `yaml:"limit" json:"limit,omitempty"`
}

// Load reads, selects, filters, sorts, and windows work items.
// stdin is consulted only when Input is "-".
func Load(src Source, stdin io.Reader) ([]Item, error) {
	values, err := readValues(src, stdin)
	if err != nil {
		return nil, err
	}

	if src.JSONPath != "" {
		values, err = applyJSONPath(values, src.JSONPath)
		if err != nil {
			return nil, err
		}
	}

	if src.Filter != "" {
		values, err = applyFilter(values, src.Filter)
		if err != nil {
			return nil, err
		}
	}

	items := make([]Item, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		id, err := DeriveID(v)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, engerr.Wrap(engerr.KindInputInvalid,
				fmt.Sprintf("item id %q", id), engerr.ErrDuplicateItemID)
		}
		seen[id] = true
		items = append(items, Item{ID: id, Data: v})
	}

	if src.SortBy != "" {
		sortItems(items, src.SortBy, src.SortDesc)
	}

	return window(items, src.Offset, src.Limit), nil
}

// readValues decodes the input document(s) into a flat value list.
// A .jsonl input (or stdin that fails whole-document decode) is treated as
// one JSON value per line; otherwise the input must decode to an array, or
// to a document the JSONPath selector will dig into.
func readValues(src Source, stdin io.Reader) ([]any, error) {
	var data []byte
	var err error
	switch {
	case src.Input == "":
		return nil, engerr.NewError(engerr.KindInputInvalid, "item source requires an input")
	case src.Input == "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(src.Input)
	}
	if err != nil {
		return nil, engerr.Wrap(engerr.KindInputInvalid, "read item input", err)
	}

	if strings.HasSuffix(src.Input, ".jsonl") {
		return decodeLines(data)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		// Stdin without an extension may still be JSONL.
		if src.Input == "-" {
			if lines, lineErr := decodeLines(data); lineErr == nil {
				return lines, nil
			}
		}
		return nil, engerr.Wrap(engerr.KindInputInvalid, "decode item input", err)
	}

	switch v := doc.(type) {
	case []any:
		return v, nil
	default:
		// A non-array document needs a JSONPath to produce items; hand the
		// whole document to the selector stage.
		if src.JSONPath == "" {
			return nil, engerr.NewError(engerr.KindInputInvalid,
				"item input is not an array; set json_path to select items")
		}
		return []any{v}, nil
	}
}

// decodeLines decodes one JSON value per non-empty line.
func decodeLines(data []byte) ([]any, error) {
	var values []any
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, engerr.Wrap(engerr.KindInputInvalid,
				fmt.Sprintf("decode item input line %d", lineNo), err)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, engerr.Wrap(engerr.KindInputInvalid, "read item input", err)
	}
	return values, nil
}

// applyJSONPath selects item values from each document via a JSONPath
// expression. When the selection yields a single array it is flattened
// into the item list.
func applyJSONPath(docs []any, path string) ([]any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindInputInvalid,
			fmt.Sprintf("invalid json_path %q", path), err)
	}

	var out []any
	for _, doc := range docs {
		results := expr.Get(doc)
		if len(results) == 1 {
			if arr, ok := results[0].([]any); ok {
				out = append(out, arr...)
				continue
			}
		}
		out = append(out, results...)
	}
	if len(out) == 0 {
		return nil, engerr.Wrap(engerr.KindInputInvalid,
			fmt.Sprintf("json_path %q", path), engerr.ErrSelectorNoMatch)
	}
	return out, nil
}

// applyFilter keeps values where the CEL expression evaluates to true.
func applyFilter(values []any, filter string) ([]any, error) {
	env, err := cel.NewEnv(cel.Variable("item", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create filter environment: %w", err)
	}
	ast, issues := env.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, engerr.Wrap(engerr.KindInputInvalid,
			fmt.Sprintf("invalid filter %q", filter), issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindInputInvalid,
			fmt.Sprintf("invalid filter %q", filter), err)
	}

	var kept []any
	for _, v := range values {
		out, _, err := prg.Eval(map[string]any{"item": v})
		if err != nil {
			// Items missing the filtered field are dropped, not fatal.
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			kept = append(kept, v)
		}
	}
	return kept, nil
}

// sortItems orders items by a dotted field path. Missing values sort last;
// numbers order numerically, everything else by string form; equal keys
// break the tie on item id so the order is total.
func sortItems(items []Item, path string, desc bool) {
	sort.Slice(items, func(i, j int) bool {
		av := fieldAt(items[i].Data, path)
		bv := fieldAt(items[j].Data, path)

		// Missing keys sort last in both directions.
		if av == nil || bv == nil {
			if av == nil && bv == nil {
				return items[i].ID < items[j].ID
			}
			return bv == nil
		}

		c := compareValues(av, bv)
		if desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return items[i].ID < items[j].ID
	})
}

// fieldAt returns the value at a dotted path inside a decoded JSON value.
func fieldAt(v any, path string) any {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// compareValues orders two present field values: numbers numerically,
// everything else by string form.
func compareValues(a, b any) int {

	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// window applies offset and limit to the item list.
func window(items []Item, offset, limit int) []Item {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// DeriveID returns the stable identity for an item: the "id" field when
// the item is an object that has one, otherwise the first 12 hex digits of
// the SHA-256 of its canonical JSON encoding.
func DeriveID(v any) (string, error) {
	if m, ok := v.(map[string]any); ok {
		if raw, ok := m["id"]; ok {
			switch id := raw.(type) {
			case string:
				if id != "" {
					return id, nil
				}
			case float64:
				return formatNumericID(id), nil
			}
		}
	}

	canonical, err := json.Marshal(v)
	if err != nil {
		return "", engerr.Wrap(engerr.KindInputInvalid, "canonicalize item", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:12], nil
}

// formatNumericID renders a JSON number id without a trailing ".0".
func formatNumericID(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
