// Package threat implements stateless pattern-based threat detection over the
// surfaces of an inbound HTTP request: headers, path, query parameters and
// body. Pattern sets are fixed at build time; the analyzer offers no
// false-negative guarantee and novel attacks will pass it.
package threat

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding categories.
const (
	TypeSQLInjection     = "sql_injection"
	TypeXSS              = "xss"
	TypeCommandInjection = "command_injection"
	TypePathTraversal    = "path_traversal"
	TypeSuspiciousHeader = "suspicious_header"
)

// Finding is one detected threat indicator. Surface names where the match
// occurred (header/path/query/body); the matched text itself is never carried
// so findings are safe to surface in responses and logs.
type Finding struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Surface  string   `json:"surface"`
}

// severityFor maps each category to its fixed severity.
func severityFor(category string) Severity {
	switch category {
	case TypeCommandInjection, TypePathTraversal:
		return SeverityCritical
	case TypeSQLInjection, TypeXSS:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Analyzer is a pure pattern matcher. It holds only compiled patterns and is
// safe for concurrent use.
type Analyzer struct {
	sql []*regexp.Regexp
	xss []*regexp.Regexp
	cmd []*regexp.Regexp
}

var sqlPatterns = []string{
	`(?i)\bunion\b.*\bselect\b`,
	`(?i);\s*(?:drop|delete|update|insert)\b`,
	`(?i)\bexec(?:ute)?\b\s*\(`,
	`(?i)'\s*(?:or|and)\s*'?\d*'?\s*=\s*'?`,
	`(?i)\b(?:or|and)\b\s+\d+\s*=\s*\d+`,
	`--\s*$`,
	`/\*.*\*/`,
}

var xssPatterns = []string{
	`(?i)<script`,
	`(?i)javascript:`,
	`(?i)on(?:error|load|click|mouseover|focus)\s*=`,
	`(?i)<iframe`,
	`(?i)<object`,
	`(?i)<embed`,
	`(?i)eval\s*\(`,
	`(?i)expression\s*\(`,
}

var cmdPatterns = []string{
	`[;&|]\s*(?:cat|ls|rm|id|whoami|wget|curl|sh|bash|nc|python|perl|chmod)\b`,
	`\$\(`,
	"`[^`]+`",
	`(?i)/bin/(?:sh|bash)\b`,
	`(?i)\bnc\s+-e\b`,
}

// traversal indicators checked as plain substrings on the lowercased input.
var traversalNeedles = []string{
	"../",
	"..\\",
	"%2e%2e",
	"%252e",
	"etc/passwd",
	"proc/self",
	"win.ini",
	"boot.ini",
}

// user agents of well-known scanners
var scannerAgents = regexp.MustCompile(`(?i)sqlmap|nikto|nessus|masscan|nmap|dirbuster|wpscan|gobuster`)

const maxHeaderValueLen = 8192

// NewAnalyzer compiles the fixed pattern sets.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		sql: compileAll(sqlPatterns),
		xss: compileAll(xssPatterns),
		cmd: compileAll(cmdPatterns),
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// Analyze runs every pattern category against every input surface. It is
// deterministic and has no side effects: identical input yields identical
// findings on every call.
func (a *Analyzer) Analyze(headers http.Header, path string, query url.Values, body string) []Finding {
	var findings []Finding

	findings = append(findings, a.scan(path, "path")...)
	if hasTraversal(path) {
		findings = append(findings, Finding{Type: TypePathTraversal, Severity: severityFor(TypePathTraversal), Surface: "path"})
	}

	for _, vals := range query {
		for _, v := range vals {
			findings = append(findings, a.scan(v, "query")...)
			if hasTraversal(v) {
				findings = append(findings, Finding{Type: TypePathTraversal, Severity: severityFor(TypePathTraversal), Surface: "query"})
			}
		}
	}

	if body != "" {
		findings = append(findings, a.scan(body, "body")...)
	}

	findings = append(findings, analyzeHeaders(headers)...)
	for _, vals := range headers {
		for _, v := range vals {
			findings = append(findings, a.scan(v, "header")...)
		}
	}

	return dedupe(findings)
}

// scan applies the injection pattern sets to one value.
func (a *Analyzer) scan(input, surface string) []Finding {
	var findings []Finding
	if matchAny(a.sql, input) {
		findings = append(findings, Finding{Type: TypeSQLInjection, Severity: severityFor(TypeSQLInjection), Surface: surface})
	}
	if matchAny(a.xss, input) {
		findings = append(findings, Finding{Type: TypeXSS, Severity: severityFor(TypeXSS), Surface: surface})
	}
	if matchAny(a.cmd, input) {
		findings = append(findings, Finding{Type: TypeCommandInjection, Severity: severityFor(TypeCommandInjection), Surface: surface})
	}
	return findings
}

// HasTraversal reports whether the raw path carries a traversal indicator.
// Exposed separately so the pipeline can run the cheap path check before the
// full sweep.
func HasTraversal(path string) bool { return hasTraversal(path) }

func hasTraversal(s string) bool {
	lower := strings.ToLower(s)
	for _, needle := range traversalNeedles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func analyzeHeaders(headers http.Header) []Finding {
	var findings []Finding
	// Host header injection vector; legitimate proxies rewrite Host itself.
	if headers.Get("X-Forwarded-Host") != "" {
		findings = append(findings, Finding{Type: TypeSuspiciousHeader, Severity: SeverityMedium, Surface: "header"})
	}
	if ua := headers.Get("User-Agent"); ua != "" && scannerAgents.MatchString(ua) {
		findings = append(findings, Finding{Type: TypeSuspiciousHeader, Severity: SeverityMedium, Surface: "header"})
	}
	for _, vals := range headers {
		for _, v := range vals {
			if len(v) > maxHeaderValueLen {
				findings = append(findings, Finding{Type: TypeSuspiciousHeader, Severity: SeverityMedium, Surface: "header"})
			}
		}
	}
	return findings
}

func matchAny(patterns []*regexp.Regexp, input string) bool {
	for _, p := range patterns {
		if p.MatchString(input) {
			return true
		}
	}
	return false
}

func dedupe(findings []Finding) []Finding {
	if len(findings) < 2 {
		return findings
	}
	seen := make(map[Finding]struct{}, len(findings))
	out := findings[:0]
	for _, f := range findings {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// MaxSeverity returns the highest severity among findings, or "" when empty.
func MaxSeverity(findings []Finding) Severity {
	rank := map[Severity]int{SeverityMedium: 1, SeverityHigh: 2, SeverityCritical: 3}
	var best Severity
	for _, f := range findings {
		if rank[f.Severity] > rank[best] {
			best = f.Severity
		}
	}
	return best
}
