// Package keys derives cache tags and storage keys for query results.
package keys

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/params"
)

// TagLength is the number of hex characters kept from the digest.
const TagLength = 36

// Tag identifies the output of a query for one canonical parameter set.
// Equal (query, endpoint, params) triples always yield the same tag.
func Tag(queryID int64, endpoint string, p params.Params) (string, error) {
	m := map[string][]string(p)
	if m == nil {
		m = map[string][]string{}
	}
	b, err := params.CanonicalJSON([]any{queryID, endpoint, m})
	if err != nil {
		return "", fmt.Errorf("tag payload: %w", err)
	}
	sum := sha512.Sum512(b)
	return hex.EncodeToString(sum[:])[:TagLength], nil
}

// SecondaryKey namespaces a tag for the shared secondary result store.
func SecondaryKey(namespace, tag string) string {
	ns := sanitizeForKey(strings.TrimSpace(namespace))
	if ns == "" {
		ns = "qc"
	}
	return ns + ":secondary:" + tag
}

// ContentETag is a strong HTTP entity tag for cached content.
func ContentETag(content []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(content))
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
