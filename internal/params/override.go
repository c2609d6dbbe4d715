package params

import (
	"fmt"
	"strconv"
	"strings"
)

// relative date offsets in seconds, keyed by normalized name
var relativeDates = map[string]int{
	"last day":     -86400,
	"last week":    -604800,
	"last month":   -2592000,
	"last quarter": -7776000,
	"last year":    -31536000,
}

var absoluteDateKeys = []string{"start_date", "end_date", "on_date"}

// RelativeOffset maps a symbolic date name such as "last week" or
// "last_week" to its offset in seconds.
func RelativeOffset(name string) (int, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("_", " ", "-", " ").Replace(n)
	n = strings.Join(strings.Fields(n), " ")
	off, ok := relativeDates[n]
	return off, ok
}

// ApplyDateOverride switches p to a relative date range and drops any
// absolute start/end dates.
func ApplyDateOverride(p Params, name string) error {
	off, ok := RelativeOffset(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDateOverride, name)
	}
	for _, k := range absoluteDateKeys {
		p.Del(k)
	}
	p.Set("datetype", "relative")
	p.Set("relative_date", strconv.Itoa(off))
	return nil
}

// CombineQuery ANDs override onto every line of query. A line label
// before the first '#' or tab is kept as is.
func CombineQuery(query, override string) string {
	override = strings.TrimSpace(override)
	if override == "" {
		return query
	}
	lines := strings.Split(strings.ReplaceAll(query, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		prefix, body := "", line
		if i := strings.IndexAny(line, "#\t"); i >= 0 {
			prefix, body = line[:i+1], line[i+1:]
		}
		body = strings.TrimSpace(body)
		if body == "" {
			out = append(out, prefix+override)
			continue
		}
		out = append(out, fmt.Sprintf("%s(%s) AND (%s)", prefix, body, override))
	}
	if len(out) == 0 {
		return override
	}
	return strings.Join(out, "\n")
}
