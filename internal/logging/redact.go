package logging

import "regexp"

// redaction rewrites one kind of secret found in log text
type redaction struct {
	pattern *regexp.Regexp
	replace string
}

var redactions = []redaction{
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`Basic\s+[A-Za-z0-9+/]+=*`), "Basic [REDACTED]"},
	// Dropbox short-lived access tokens outside an Authorization header
	{regexp.MustCompile(`\bsl\.[A-Za-z0-9\-_]{8,}`), "sl.[REDACTED]"},
	{regexp.MustCompile(`(access_token|refresh_token|client_secret|code_verifier)["']?\s*[:=]\s*["']?[A-Za-z0-9\-._~+/]+=*`), "$1=[REDACTED]"},
	{regexp.MustCompile(`([?&]code=)[^&\s"]+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(password|passwd)["']?\s*[:=]\s*["']?[^\s"',}]+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`), "${1}[REDACTED]@"},
}

// redactSensitiveData strips Dropbox tokens, OAuth secrets and index
// credentials from log text
func redactSensitiveData(s string) string {
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replace)
	}
	return s
}
