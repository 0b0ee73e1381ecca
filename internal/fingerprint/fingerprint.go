// Package fingerprint derives the stable content identifier used as the
// cache and deduplication key for render jobs.
//
// Two submissions that differ only in comments, trailing whitespace, blank
// lines or line endings produce the same fingerprint, so semantically
// identical shaders collide in the cache. The normalization rules are part
// of the contract: changing them invalidates every existing cache entry.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

// ErrInvalidInput is returned when the normalized program source is empty.
var ErrInvalidInput = errors.New("fingerprint: empty program source")

// Fingerprint hashes the normalized shader source plus its named parameters
// into a hex-encoded SHA-256 digest. It is pure and deterministic.
func Fingerprint(src string, params map[string]string) (string, error) {
	normalized := Normalize(src)
	if normalized == "" {
		return "", ErrInvalidInput
	}

	h := sha256.New()
	h.Write([]byte(normalized))

	// Parameters hash in sorted key order so map iteration order cannot
	// change the result.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Normalize applies the documented normalization rules:
//   - CRLF and CR line endings become LF
//   - // line comments and /* */ block comments are stripped
//   - trailing whitespace is trimmed from each line
//   - blank lines are dropped
func Normalize(src string) string {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.ReplaceAll(src, "\r", "\n")
	src = stripComments(src)

	lines := strings.Split(src, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// stripComments removes // and /* */ comments without disturbing string
// contents. GLSL has no string literals, so a simple scanner suffices.
func stripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))

	for i := 0; i < len(src); {
		if src[i] == '/' && i+1 < len(src) {
			switch src[i+1] {
			case '/':
				for i < len(src) && src[i] != '\n' {
					i++
				}
				continue
			case '*':
				i += 2
				for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
					i++
				}
				i += 2
				if i > len(src) {
					i = len(src)
				}
				// Block comments count as a separator so "a/**/b"
				// does not fuse tokens.
				b.WriteByte(' ')
				continue
			}
		}
		b.WriteByte(src[i])
		i++
	}
	return b.String()
}
