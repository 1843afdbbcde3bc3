package gena

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseCallbacks parses a CALLBACK header value, a list of angle-bracketed
// URLs. Only http URLs with a host are accepted.
func ParseCallbacks(v string) ([]*url.URL, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("%w: empty callback", ErrPreconditionFailed)
	}
	var out []*url.URL
	for v != "" {
		if v[0] != '<' {
			return nil, fmt.Errorf("%w: callback %q", ErrPreconditionFailed, v)
		}
		end := strings.IndexByte(v, '>')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated callback %q", ErrPreconditionFailed, v)
		}
		u, err := url.Parse(strings.TrimSpace(v[1:end]))
		if err != nil || u.Scheme != "http" || u.Host == "" {
			return nil, fmt.Errorf("%w: callback %q", ErrPreconditionFailed, v[1:end])
		}
		out = append(out, u)
		v = strings.TrimSpace(v[end+1:])
	}
	return out, nil
}

// FormatCallbacks renders urls as a CALLBACK header value.
func FormatCallbacks(urls ...string) string {
	var b strings.Builder
	for _, u := range urls {
		b.WriteString("<" + u + ">")
	}
	return b.String()
}
