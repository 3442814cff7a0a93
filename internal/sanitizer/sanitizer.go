// Package sanitizer implements the secret-scanning collaborator described
// in spec.md §4.3: a pattern table (grounded on the pattern-table idiom
// used for vulnerability detection in VIGILUM's scanner package and the PII
// regex+confidence pairs in the ai-anonymizing-proxy) plus a Shannon-entropy
// sweep for anything the named patterns miss.
package sanitizer

import (
	"math"
	"regexp"
	"strings"
)

// Sanitizer is the contract the pipeline depends on (spec.md §4.3).
type Sanitizer interface {
	Sanitize(text string) Result
}

// Result is the outcome of a sanitize pass.
type Result struct {
	Safe              bool
	SanitizedContent  string
	RedactedPatterns  []string
}

// namedPattern pairs a compiled regex with the category name used both in
// RedactedPatterns and in the redaction placeholder.
type namedPattern struct {
	category string
	re       *regexp.Regexp
}

// RegexSanitizer is the concrete, default Sanitizer implementation.
type RegexSanitizer struct {
	patterns       []namedPattern
	entropyMinLen  int
	entropyThresh  float64
}

// New builds a RegexSanitizer with the built-in pattern table.
func New() *RegexSanitizer {
	return &RegexSanitizer{
		patterns:      builtinPatterns(),
		entropyMinLen: 40,
		entropyThresh: 4.5,
	}
}

func builtinPatterns() []namedPattern {
	return []namedPattern{
		{"github_pat_classic", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
		{"github_pat_fine_grained", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`)},
		{"anthropic_key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`)},
		// Negative lookahead isn't supported by RE2; exclude sk-ant- by a
		// post-match check instead (see isOpenAIKey below).
		{"openai_key", regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
		{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
		{"aws_secret_key", regexp.MustCompile(`\b[A-Za-z0-9/+=]{40}\b`)},
		{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
		{"pem_block", regexp.MustCompile(`(?s)-----BEGIN (?:RSA |EC |OPENSSH |)PRIVATE KEY-----.*?-----END (?:RSA |EC |OPENSSH |)PRIVATE KEY-----`)},
	}
}

// Sanitize scans text for secrets; clean content is returned verbatim.
func (s *RegexSanitizer) Sanitize(text string) Result {
	categoriesHit := map[string]bool{}
	sanitized := text

	for _, p := range s.patterns {
		sanitized = p.re.ReplaceAllStringFunc(sanitized, func(match string) string {
			if p.category == "openai_key" && strings.HasPrefix(match, "sk-ant-") {
				return match // belongs to the anthropic_key pattern, not this one
			}
			categoriesHit[p.category] = true
			return "[REDACTED:" + p.category + "]"
		})
	}

	sanitized = redactHighEntropy(sanitized, s.entropyMinLen, s.entropyThresh, categoriesHit)

	categories := make([]string, 0, len(categoriesHit))
	for c := range categoriesHit {
		categories = append(categories, c)
	}

	return Result{
		Safe:             len(categories) == 0,
		SanitizedContent: sanitized,
		RedactedPatterns: categories,
	}
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=-]{40,}`)

// redactHighEntropy replaces any contiguous token-like substring of length
// > entropyMinLen whose Shannon entropy exceeds entropyThresh bits/char.
func redactHighEntropy(text string, minLen int, thresh float64, hit map[string]bool) string {
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		if len(tok) <= minLen {
			return tok
		}
		if shannonEntropy(tok) > thresh {
			hit["high_entropy"] = true
			return "[REDACTED:high_entropy]"
		}
		return tok
	})
}

// shannonEntropy computes bits-per-character Shannon entropy of s.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
