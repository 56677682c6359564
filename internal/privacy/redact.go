// Package privacy removes user secrets from bookmark data before it leaves
// the machine in an oracle prompt.
package privacy

import (
	"net/url"
	"regexp"
	"strings"
)

// Redacted replaces the value of a sensitive query parameter.
const Redacted = "REDACTED"

var (
	// privateTagRegex matches <private>...</private> tags
	privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	spaceRegex = regexp.MustCompile(`\s+`)

	sensitiveParams = map[string]bool{
		"access_token":  true,
		"api_key":       true,
		"apikey":        true,
		"auth":          true,
		"code":          true,
		"id_token":      true,
		"key":           true,
		"password":      true,
		"passwd":        true,
		"refresh_token": true,
		"secret":        true,
		"session":       true,
		"sessionid":     true,
		"sig":           true,
		"signature":     true,
		"token":         true,
	}
)

// StripPrivateTags removes all <private>...</private> content from text.
func StripPrivateTags(text string) string {
	return privateTagRegex.ReplaceAllString(text, "")
}

// CleanTitle strips private sections from a bookmark title and collapses
// the whitespace left behind.
func CleanTitle(title string) string {
	return strings.TrimSpace(spaceRegex.ReplaceAllString(StripPrivateTags(title), " "))
}

// IsSensitiveParam reports whether a query parameter name usually carries a credential.
func IsSensitiveParam(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	return sensitiveParams[name] || strings.HasPrefix(name, "x-amz-")
}

// RedactURL drops user info and masks credential-like query parameters.
// Fragments carrying credentials (OAuth implicit flow) are removed.
// Unparseable input and URLs without secrets are returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}

	changed := false
	if u.User != nil {
		u.User = nil
		changed = true
	}

	if u.RawQuery != "" {
		q := u.Query()
		masked := false
		for name := range q {
			if IsSensitiveParam(name) {
				q[name] = []string{Redacted}
				masked = true
			}
		}
		if masked {
			u.RawQuery = q.Encode()
			changed = true
		}
	}

	if u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			for name := range frag {
				if IsSensitiveParam(name) {
					u.Fragment = ""
					u.RawFragment = ""
					changed = true
					break
				}
			}
		}
	}

	if !changed {
		return raw
	}
	return u.String()
}
