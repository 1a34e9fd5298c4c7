package audit

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// secretPattern matches a secret. When group is non-zero only that capture
// group is masked; the groups must cover the whole match.
type secretPattern struct {
	re    *regexp.Regexp
	group int
}

// Redactor masks credentials in text before it is written to disk.
type Redactor struct {
	patterns []secretPattern
}

// NewRedactor creates a redactor with patterns for common secrets.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []secretPattern{
			{re: regexp.MustCompile(`(?i)(api[_-]?key|access[_-]?token|auth[_-]?token|secret|password|passwd)(["']?\s*[:=]\s*["']?)([a-zA-Z0-9_\-\.]{8,})`), group: 3},
			{re: regexp.MustCompile(`(?i)(Bearer\s+)([a-zA-Z0-9_\-\.]{10,256})`), group: 2},
			{re: regexp.MustCompile(`([a-z][a-z0-9+.-]*://[^:/@\s]+:)([^@\s]+)(@)`), group: 2},
			{re: regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)},
			{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
			{re: regexp.MustCompile(`gh[pous]_[a-zA-Z0-9]{36}`)},
			{re: regexp.MustCompile(`sk_(?:live|test)_[0-9a-zA-Z]{24}`)},
			{re: regexp.MustCompile(`xox[baprs]-[0-9]{10,}-[0-9]{10,}-[a-zA-Z0-9]{24}`)},
			{re: regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.(?:eyJ[a-zA-Z0-9_-]+)?\.[a-zA-Z0-9_-]{20,}`)},
			{re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]+?-----END [A-Z ]*PRIVATE KEY-----`)},
		},
	}
}

// Redact returns text with every secret masked.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return ""
	}
	for _, p := range r.patterns {
		if p.group == 0 {
			text = p.re.ReplaceAllString(text, redacted)
			continue
		}
		text = p.re.ReplaceAllStringFunc(text, func(match string) string {
			subs := p.re.FindStringSubmatch(match)
			var sb strings.Builder
			for i := 1; i < len(subs); i++ {
				if i == p.group {
					sb.WriteString(redacted)
				} else {
					sb.WriteString(subs[i])
				}
			}
			return sb.String()
		})
	}
	return text
}

// RedactArgs returns a copy of args with string values redacted, walking
// nested maps and slices. Values under secret-looking keys are masked
// whole.
func (r *Redactor) RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.Redact(val)
	case map[string]any:
		return r.RedactArgs(val)
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = r.redactValue(item)
		}
		return list
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "api_key", "apikey", "authorization"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
