// Package params resolves the canonical parameter set sent to the remote
// query service for a (query, page, overrides) triple.
package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
)

const (
	KeyFilters    = "filters"
	KeyQuery      = "query"
	KeyScript     = "script"
	KeyOutputType = "output_type"
	KeySets       = "articlesets"
	KeyJobs       = "codingjobs"
)

// Params is the canonical parameter mapping; every value is a list so it
// encodes the same way as a multi-valued form.
type Params map[string][]string

func (p Params) Get(k string) string {
	if v := p[k]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (p Params) Set(k, v string) { p[k] = []string{v} }

func (p Params) Del(k string) { delete(p, k) }

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Encode url-encodes the parameters with keys in sorted order.
func (p Params) Encode() string {
	return url.Values(p).Encode()
}

type Input struct {
	Parameters    string
	GlobalFilters model.Filters
	PageFilters   model.Filters
	Overrides     *model.Overrides
}

// Resolve merges stored query parameters with global, page and override
// filters and applies the remaining overrides. Malformed stored JSON
// degrades to empty parameters.
func Resolve(in Input) (Params, error) {
	raw := decodeObject(in.Parameters)

	out := make(Params, len(raw)+1)
	for k, v := range raw {
		if k == KeyFilters {
			continue
		}
		if vals := toStrings(v); len(vals) > 0 {
			out[k] = vals
		}
	}

	sources := []model.Filters{filtersFromValue(raw[KeyFilters]), in.GlobalFilters, in.PageFilters}
	ov := in.Overrides
	if ov != nil {
		sources = append(sources, ov.ExtraFilters)
	}
	merged := MergeFilters(sources...)
	fj, err := CanonicalJSON(map[string][]string(merged))
	if err != nil {
		return nil, fmt.Errorf("encode filters: %w", err)
	}
	out.Set(KeyFilters, string(fj))

	if ov == nil {
		return out, nil
	}
	keys := make([]string, 0, len(ov.ExtraOptions))
	for k := range ov.ExtraOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == KeyFilters {
			continue
		}
		out.Set(k, ov.ExtraOptions[k])
	}
	if q := strings.TrimSpace(ov.QueryText); q != "" {
		out.Set(KeyQuery, CombineQuery(out.Get(KeyQuery), q))
	}
	if d := strings.TrimSpace(ov.DateOverride); d != "" {
		if err := ApplyDateOverride(out, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// QueryFilters extracts the filter object embedded in stored query parameters.
func QueryFilters(parameters string) model.Filters {
	return filtersFromValue(decodeObject(parameters)[KeyFilters])
}

func decodeObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// filters arrive either as an object or as JSON text holding one
func filtersFromValue(v any) model.Filters {
	switch t := v.(type) {
	case string:
		return filtersFromValue(decodeObject(t))
	case map[string]any:
		out := make(model.Filters, len(t))
		for field, vals := range t {
			out[field] = toStrings(vals)
		}
		return out
	default:
		return model.Filters{}
	}
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := scalar(e); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		if s, ok := scalar(t); ok {
			return []string{s}
		}
		return nil
	}
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		b, err := CanonicalJSON(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// CanonicalJSON encodes v with sorted object keys and every non-ASCII rune
// escaped, so equal values always produce identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func escapeNonASCII(b []byte) []byte {
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return b
	}
	var out bytes.Buffer
	out.Grow(len(b) + 16)
	for _, r := range string(b) {
		switch {
		case r < 0x80:
			out.WriteByte(byte(r))
		case r > 0xFFFF:
			r -= 0x10000
			fmt.Fprintf(&out, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
		default:
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return out.Bytes()
}

var ErrUnknownDateOverride = errors.New("unknown date override")
