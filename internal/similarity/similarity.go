// Package similarity normalizes error text and scores how alike two strings are.
//
// Every fuzzy decision in fixnet (deduplication, search ranking, spam corpus
// matching, clustering) goes through this package so the scoring stays
// consistent across components.
//
// # Ratio
//
// Ratio is a token-level longest-common-subsequence ratio:
//
//	ratio = 2 * LCS(tokens(a), tokens(b)) / (len(tokens(a)) + len(tokens(b)))
//
// Two empty strings are identical (1.0); an empty string against a non-empty
// one scores 0.0.
//
// # Vectors
//
// Vectorize hashes tokens into a fixed number of buckets, producing a term
// frequency vector suitable for cosine similarity and for the cluster index.
package similarity

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxKeyLength is the maximum length, in runes, of a normalized key.
const MaxKeyLength = 200

// DefaultDimensions is the default vector size used by Vectorize callers.
const DefaultDimensions = 256

var (
	quotedFilePattern = regexp.MustCompile(`file\s+"[^"]*"`)
	lineNumberPattern = regexp.MustCompile(`\bline\s+\d+`)
	pathPattern       = regexp.MustCompile(`(?:[a-z]:)?(?:[\w.~-]*[/\\])+[\w.-]*`)
	colonNumPattern   = regexp.MustCompile(`:\d+(?::\d+)?`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	tokenPattern      = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// cutMarkers end the meaningful part of an error signature.
var cutMarkers = []string{"traceback", "during handling", "\n"}

// Normalize reduces an error signature to the grouping key used by the fix store.
//
// The text is lower-cased and cut at the first traceback marker or newline.
// Quoted file references, path fragments and line numbers are stripped,
// whitespace is collapsed and the result is truncated to MaxKeyLength runes.
// When the cut leaves nothing (a signature that starts with a traceback), the
// last non-blank line of the signature is used instead.
func Normalize(signature string) string {
	lower := strings.ToLower(signature)

	head := lower
	for _, marker := range cutMarkers {
		if idx := strings.Index(head, marker); idx >= 0 {
			head = head[:idx]
		}
	}
	if strings.TrimSpace(head) == "" {
		head = lastNonBlankLine(lower)
	}

	head = quotedFilePattern.ReplaceAllString(head, " ")
	head = lineNumberPattern.ReplaceAllString(head, " ")
	head = pathPattern.ReplaceAllString(head, " ")
	head = colonNumPattern.ReplaceAllString(head, " ")
	head = whitespacePattern.ReplaceAllString(head, " ")
	head = strings.Trim(head, " ,")

	return truncateRunes(head, MaxKeyLength)
}

func lastNonBlankLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}

// Tokens splits text into lower-cased word tokens.
func Tokens(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// Ratio returns the token LCS similarity of a and b in [0, 1].
func Ratio(a, b string) float64 {
	return TokenRatio(Tokens(a), Tokens(b))
}

// TokenRatio is Ratio over already tokenized input.
func TokenRatio(a, b []string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	return 2.0 * float64(lcsLength(a, b)) / float64(total)
}

// lcsLength computes the longest common subsequence length with two rows.
func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// Vectorize hashes the tokens of text into a term frequency vector with dims
// buckets. It returns nil when text has no tokens.
func Vectorize(text string, dims int) []float32 {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	tokens := Tokens(text)
	if len(tokens) == 0 {
		return nil
	}
	vec := make([]float32, dims)
	h := fnv.New32a()
	for _, tok := range tokens {
		h.Reset()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(dims)]++
	}
	return vec
}

// Cosine returns the cosine similarity of two equally sized vectors.
// Mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
