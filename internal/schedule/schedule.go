// Package schedule parses query refresh schedules and finds the queries due
// at a given minute.
package schedule

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
)

// InvalidScheduleError reports an expression that cannot be parsed.
type InvalidScheduleError struct {
	QueryID int64
	Expr    string
	Reason  string
}

func (e *InvalidScheduleError) Error() string {
	if e.QueryID != 0 {
		return fmt.Sprintf("query %d: invalid schedule %q: %s", e.QueryID, e.Expr, e.Reason)
	}
	return fmt.Sprintf("invalid schedule %q: %s", e.Expr, e.Reason)
}

//nolint:govet // participle struct tags are grammar, not reflect tags
type cronExpr struct {
	Fields []*cronField `parser:"@@+"`
}

//nolint:govet // participle struct tags are grammar, not reflect tags
type cronField struct {
	Step *int  `parser:"  \"*\" \"/\" @Int"`
	Any  bool  `parser:"| @\"*\""`
	List []int `parser:"| @Int ( \",\" @Int )*"`
}

var cronLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Punct", Pattern: `[*/,]`},
	{Name: "Whitespace", Pattern: `[ \t]+`},
})

var parser = participle.MustBuild[cronExpr](
	participle.Lexer(cronLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

type bounds struct {
	name     string
	min, max int
}

// minute, hour, day of month, month, weekday (Monday is 0)
var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

type field struct {
	any    bool
	step   int
	values map[int]struct{}
}

func (f field) matches(v int) bool {
	switch {
	case f.any:
		return true
	case f.step > 0:
		return v%f.step == 0
	default:
		_, ok := f.values[v]
		return ok
	}
}

// Schedule is a parsed five-field expression. Each field is "*", a number,
// a comma separated list or "*/step". Ranges are not supported.
type Schedule struct {
	expr   string
	fields [5]field
}

func (s Schedule) String() string { return s.expr }

func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, &InvalidScheduleError{Expr: expr, Reason: "empty"}
	}
	ast, err := parser.ParseString("", expr)
	if err != nil {
		return Schedule{}, &InvalidScheduleError{Expr: expr, Reason: err.Error()}
	}
	if len(ast.Fields) != 5 {
		return Schedule{}, &InvalidScheduleError{Expr: expr, Reason: fmt.Sprintf("want 5 fields, got %d", len(ast.Fields))}
	}

	s := Schedule{expr: expr}
	for i, cf := range ast.Fields {
		b := fieldBounds[i]
		switch {
		case cf.Step != nil:
			if *cf.Step <= 0 {
				return Schedule{}, &InvalidScheduleError{Expr: expr, Reason: b.name + " step must be positive"}
			}
			s.fields[i] = field{step: *cf.Step}
		case cf.Any:
			s.fields[i] = field{any: true}
		default:
			vals := make(map[int]struct{}, len(cf.List))
			for _, v := range cf.List {
				if v < b.min || v > b.max {
					return Schedule{}, &InvalidScheduleError{Expr: expr, Reason: fmt.Sprintf("%s %d out of range %d-%d", b.name, v, b.min, b.max)}
				}
				vals[v] = struct{}{}
			}
			s.fields[i] = field{values: vals}
		}
	}
	return s, nil
}

// weekday numbers Monday as 0 and Sunday as 6.
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Matches reports whether the schedule fires in the minute of t.
func (s Schedule) Matches(t time.Time) bool {
	return s.fields[0].matches(t.Minute()) &&
		s.fields[1].matches(t.Hour()) &&
		s.fields[2].matches(t.Day()) &&
		s.fields[3].matches(int(t.Month())) &&
		s.fields[4].matches(weekday(t))
}

// GetDue returns the queries whose schedule matches now. Queries with an
// unparsable schedule are left out and reported in invalid.
func GetDue(queries []model.Query, now time.Time) (due []model.Query, invalid []error) {
	for _, q := range queries {
		if strings.TrimSpace(q.RefreshInterval) == "" || q.Archived {
			continue
		}
		s, err := Parse(q.RefreshInterval)
		if err != nil {
			ie := err.(*InvalidScheduleError)
			ie.QueryID = q.ID
			invalid = append(invalid, ie)
			continue
		}
		if s.Matches(now) {
			due = append(due, q)
		}
	}
	return due, invalid
}

// CheckSecret compares a presented trigger secret in constant time. An
// empty configured secret never matches.
func CheckSecret(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
