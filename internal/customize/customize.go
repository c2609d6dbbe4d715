// Package customize validates per-cell chart customization maps and turns
// them into nested chart options.
package customize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

type Kind int

const (
	String Kind = iota
	Int
	Bool
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Bool:
		return "bool"
	default:
		return "string"
	}
}

// Property is one customizable chart option. Key is a dotted path into the
// chart options object.
type Property struct {
	Key         string
	Kind        Kind
	FormType    string
	Label       string
	Default     any
	Placeholder string
}

// Properties is the whitelist of keys a cell may customize.
var Properties = []Property{
	{Key: "yAxis.0.title.text", Kind: String, FormType: "text", Label: "y-Axis label", Placeholder: "<automatic>"},
	{Key: "yAxis.1.title.text", Kind: String, FormType: "text", Label: "secondary y-Axis label", Placeholder: "<automatic>"},
	{Key: "series.0.tooltip.valueDecimals", Kind: Int, FormType: "number", Label: "Tooltip decimals", Placeholder: "<automatic>"},
	{Key: "series.1.tooltip.valueDecimals", Kind: Int, FormType: "number", Label: "Secondary tooltip decimals", Placeholder: "<automatic>"},
	{Key: "legend.enabled", Kind: Bool, FormType: "checkbox", Label: "Enable legend", Default: true, Placeholder: "true"},
	{Key: "series.0.name", Kind: String, FormType: "text", Label: "Series name", Placeholder: "<automatic>"},
	{Key: "series.1.name", Kind: String, FormType: "text", Label: "Secondary series name", Placeholder: "<automatic>"},
	{Key: "credits.enabled", Kind: Bool, FormType: "checkbox", Label: "Credits enabled", Default: false, Placeholder: "false"},
	{Key: "credits.text", Kind: String, FormType: "text", Label: "Credits text", Placeholder: "e.g. Highcharts.com"},
	{Key: "credits.href", Kind: String, FormType: "text", Label: "Credits url", Placeholder: "e.g. http://www.highcharts.com"},
}

var ErrInvalid = errors.New("invalid customization")

// ValidationError lists every problem found in a customization map.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid customization: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func lookup(key string) (Property, bool) {
	for _, p := range Properties {
		if p.Key == key {
			return p, true
		}
	}
	return Property{}, false
}

// Validate checks that every key is known and carries a value of the
// property's kind. A nil map is valid.
func Validate(m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var problems []string
	for _, k := range keys {
		p, ok := lookup(k)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown property %s", k))
			continue
		}
		if _, ok := coerce(p.Kind, m[k]); !ok {
			problems = append(problems, fmt.Sprintf("invalid type for %s, expected %s, got %T", k, p.Kind, m[k]))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// coerce accepts values as they arrive from decoded JSON.
func coerce(k Kind, v any) (any, bool) {
	switch k {
	case String:
		s, ok := v.(string)
		return s, ok
	case Bool:
		b, ok := v.(bool)
		return b, ok
	case Int:
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) {
				return nil, false
			}
			return int(n), true
		case json.Number:
			i, err := n.Int64()
			return int(i), err == nil
		}
	}
	return nil, false
}

// Build expands m over the property defaults into nested options. Path
// segments stay object keys, numeric ones included.
func Build(m map[string]any) map[string]any {
	root := map[string]any{}
	for _, p := range Properties {
		v, ok := m[p.Key]
		if !ok || v == nil {
			v = p.Default
		}
		if v == nil {
			continue
		}
		cv, ok := coerce(p.Kind, v)
		if !ok {
			continue
		}
		path := strings.Split(p.Key, ".")
		node := root
		for _, seg := range path[:len(path)-1] {
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[seg] = next
			}
			node = next
		}
		node[path[len(path)-1]] = cv
	}
	return root
}

// BuildJSON is Build encoded as JSON.
func BuildJSON(m map[string]any) ([]byte, error) {
	b, err := json.Marshal(Build(m))
	if err != nil {
		return nil, fmt.Errorf("encode chart options: %w", err)
	}
	return b, nil
}
