package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const AnyOrigin = "*"

var (
	ErrInvalidOrigin     = errors.New("channel: invalid origin")
	ErrNoAllowedOrigins  = errors.New("channel: allowed origins required")
	ErrWildcardWithOther = errors.New("channel: wildcard origin must be the only entry")
)

// Origins is a normalized allow-list of message origins.
type Origins struct {
	any     bool
	allowed map[string]struct{}
}

// NormalizeOrigin lowercases scheme and host and drops any path, so
// "HTTPS://Example.com/app" and "https://example.com" compare equal.
func NormalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == AnyOrigin {
		return AnyOrigin, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidOrigin, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, raw)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// ParseOrigins validates an allow-list. "*" accepts any origin and must
// stand alone.
func ParseOrigins(list []string) (Origins, error) {
	if len(list) == 0 {
		return Origins{}, ErrNoAllowedOrigins
	}
	out := Origins{allowed: make(map[string]struct{}, len(list))}
	for _, raw := range list {
		origin, err := NormalizeOrigin(raw)
		if err != nil {
			return Origins{}, err
		}
		if origin == AnyOrigin {
			out.any = true
			continue
		}
		out.allowed[origin] = struct{}{}
	}
	if out.any && len(out.allowed) > 0 {
		return Origins{}, ErrWildcardWithOther
	}
	return out, nil
}

// Allows reports whether a message stamped with origin is accepted.
func (o Origins) Allows(origin string) bool {
	if o.any {
		return true
	}
	norm, err := NormalizeOrigin(origin)
	if err != nil {
		return false
	}
	_, ok := o.allowed[norm]
	return ok
}

func (o Origins) String() string {
	if o.any {
		return AnyOrigin
	}
	parts := make([]string, 0, len(o.allowed))
	for origin := range o.allowed {
		parts = append(parts, origin)
	}
	return strings.Join(parts, ",")
}
