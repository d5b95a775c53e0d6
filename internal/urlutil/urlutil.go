// Package urlutil provides URL validation, resolution and redaction helpers for origin URLs.
package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// RedactedValue replaces credentials in redacted URLs.
const RedactedValue = "xxxxx"

// ErrUnsupportedScheme is returned for origin URLs that are not http or https.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// credentialParams are query parameters that carry credentials on IPTV panels.
var credentialParams = map[string]struct{}{
	"username": {},
	"user":     {},
	"password": {},
	"pass":     {},
	"pwd":      {},
	"token":    {},
	"auth":     {},
	"key":      {},
	"api_key":  {},
}

// credentialPathPrefixes are path segments that are followed by /<user>/<pass>/ on Xtream style panels.
var credentialPathPrefixes = map[string]struct{}{
	"live":      {},
	"movie":     {},
	"series":    {},
	"timeshift": {},
}

// IsRemoteURL reports whether u is an absolute http(s) or protocol-relative URL.
func IsRemoteURL(u string) bool {
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "//")
}

// GetScheme returns the lower-cased scheme of a URL or empty string if unknown.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// ValidateStreamURL checks that u is a well-formed http or https URL with a host.
func ValidateStreamURL(u string) error {
	if strings.TrimSpace(u) == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("invalid URL format: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
	case "":
		return fmt.Errorf("URL must include a scheme (http:// or https://)")
	default:
		return fmt.Errorf("%w: %s (supported: http, https)", ErrUnsupportedScheme, parsed.Scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	return nil
}

// Resolve resolves ref against base. Absolute refs are returned unchanged.
func Resolve(base, ref string) (string, error) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parsing reference: %w", err)
	}
	if refURL.IsAbs() {
		return refURL.String(), nil
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base: %w", err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// Redact masks credentials embedded in a URL so it can be logged or exposed in status output.
// Userinfo passwords, credential query parameters and Xtream style /live/<user>/<pass>/ path
// segments are replaced. Unparseable input is returned as a fixed placeholder.
func Redact(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), RedactedValue)
		} else {
			u.User = url.User(RedactedValue)
		}
	}

	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for name := range q {
			if _, ok := credentialParams[strings.ToLower(name)]; ok {
				q.Set(name, RedactedValue)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}

	segments := strings.Split(u.Path, "/")
	for i := 0; i+3 < len(segments); i++ {
		if _, ok := credentialPathPrefixes[strings.ToLower(segments[i])]; ok {
			segments[i+1] = RedactedValue
			segments[i+2] = RedactedValue
			u.Path = strings.Join(segments, "/")
			u.RawPath = ""
			break
		}
	}

	return u.String()
}
