// Package rewrite points absolute upstream URLs in proxied scripts back at the proxy.
package rewrite

import (
	"bytes"
	"fmt"
	"path"
	"strings"
)

// Rule replaces every literal occurrence of Origin with Prefix.
type Rule struct {
	Name   string
	Origin string
	Prefix string
}

// Rewriter applies a fixed, ordered set of rules. It is safe for concurrent use.
type Rewriter struct {
	rules []Rule
}

// New returns a Rewriter for rules. Origins must be non-empty and must not
// occur inside any rule's prefix, otherwise rewriting would not be idempotent.
func New(rules ...Rule) (*Rewriter, error) {
	for _, r := range rules {
		if r.Origin == "" {
			return nil, fmt.Errorf("rewrite rule %q: empty origin", r.Name)
		}
		for _, other := range rules {
			if strings.Contains(other.Prefix, r.Origin) {
				return nil, fmt.Errorf("rewrite rule %q: origin %q reappears in prefix %q", r.Name, r.Origin, other.Prefix)
			}
		}
	}
	return &Rewriter{rules: append([]Rule(nil), rules...)}, nil
}

// Rules returns a copy of the configured rules.
func (rw *Rewriter) Rules() []Rule {
	return append([]Rule(nil), rw.rules...)
}

// Applies reports whether a body should be rewritten. A Content-Type naming
// javascript wins; otherwise the upstream path suffix decides.
func Applies(contentType, upstreamPath string) bool {
	if strings.Contains(strings.ToLower(contentType), "javascript") {
		return true
	}
	return path.Ext(upstreamPath) == ".js"
}

// Result is the outcome of Apply.
type Result struct {
	Body []byte
	// Replacements counts occurrences replaced, keyed by rule name.
	Replacements map[string]int
}

// Total returns the number of replacements across all rules.
func (r Result) Total() int {
	n := 0
	for _, c := range r.Replacements {
		n += c
	}
	return n
}

// Apply replaces, rule by rule, every case-sensitive non-overlapping occurrence
// of the rule's origin. Matching is a verbatim byte search; no URL parsing.
func (rw *Rewriter) Apply(body []byte) Result {
	res := Result{Body: body, Replacements: make(map[string]int, len(rw.rules))}
	for _, r := range rw.rules {
		origin := []byte(r.Origin)
		n := bytes.Count(res.Body, origin)
		if n == 0 {
			continue
		}
		res.Body = bytes.ReplaceAll(res.Body, origin, []byte(r.Prefix))
		res.Replacements[r.Name] += n
	}
	return res
}
