package wamp

import "strings"

// MatchPolicy selects how a subscription or registration URI pattern is
// matched against concrete topic/procedure URIs.
type MatchPolicy string

const (
	MatchExact    MatchPolicy = "exact"
	MatchPrefix   MatchPolicy = "prefix"
	MatchWildcard MatchPolicy = "wildcard"
)

// Valid reports whether m is one of the three defined policies. The empty
// string is treated as MatchExact by Normalize, not by Valid.
func (m MatchPolicy) Valid() bool {
	switch m {
	case MatchExact, MatchPrefix, MatchWildcard:
		return true
	}
	return false
}

// Normalize maps the empty policy (absent "match" option) to MatchExact.
func (m MatchPolicy) Normalize() MatchPolicy {
	if m == "" {
		return MatchExact
	}
	return m
}

// URIComponentSep separates the components of a WAMP URI.
const URIComponentSep = "."

func validComponent(c string, strict bool) bool {
	if strict {
		for i := 0; i < len(c); i++ {
			b := c[i]
			switch {
			case b >= 'a' && b <= 'z':
			case b >= 'A' && b <= 'Z':
			case b >= '0' && b <= '9':
			case b == '_':
			default:
				return false
			}
		}
		return true
	}
	// Loose mode: anything except whitespace, the separator and the
	// MQTT-style wildcard character.
	return !strings.ContainsAny(c, " \t\n\r.#")
}

// ValidURI reports whether uri is a well-formed WAMP URI for the given
// match policy.
//
// With strict grammar every component must match [a-zA-Z0-9_]+; loose
// grammar allows any non-whitespace characters other than "." and "#".
// Emptiness rules depend on the policy: exact forbids empty components,
// prefix allows only a trailing empty component (a trailing separator
// meaning "prefix of"), wildcard allows empty components anywhere (each
// one matching exactly one arbitrary component).
func ValidURI(uri string, strict bool, match MatchPolicy) bool {
	if uri == "" {
		return false
	}
	parts := strings.Split(uri, URIComponentSep)
	for i, c := range parts {
		if c == "" {
			switch match.Normalize() {
			case MatchExact:
				return false
			case MatchPrefix:
				if i != len(parts)-1 {
					return false
				}
			case MatchWildcard:
				// any component may be empty
			}
			continue
		}
		if !validComponent(c, strict) {
			return false
		}
	}
	return true
}

// Match reports whether the concrete uri matches pattern under the given
// match policy. The uri itself must be a concrete (non-pattern) URI.
func Match(uri, pattern string, match MatchPolicy) bool {
	switch match.Normalize() {
	case MatchExact:
		return uri == pattern
	case MatchPrefix:
		return MatchPrefixPattern(uri, pattern)
	case MatchWildcard:
		return MatchWildcardPattern(uri, pattern)
	}
	return false
}

// MatchPrefixPattern is a component-wise prefix test: every non-empty
// leading component of pattern must equal the corresponding component of
// uri. A trailing empty component (trailing ".") is the prefix marker and
// matches anything, including nothing.
func MatchPrefixPattern(uri, pattern string) bool {
	pparts := strings.Split(pattern, URIComponentSep)
	// Strip the trailing prefix marker, if present.
	if n := len(pparts); n > 0 && pparts[n-1] == "" {
		pparts = pparts[:n-1]
	}
	uparts := strings.Split(uri, URIComponentSep)
	if len(pparts) > len(uparts) {
		return false
	}
	for i, p := range pparts {
		if p != uparts[i] {
			return false
		}
	}
	return true
}

// MatchWildcardPattern requires uri and pattern to have the same component
// count; empty pattern components match any single uri component, non-empty
// ones require exact equality.
func MatchWildcardPattern(uri, pattern string) bool {
	pparts := strings.Split(pattern, URIComponentSep)
	uparts := strings.Split(uri, URIComponentSep)
	if len(pparts) != len(uparts) {
		return false
	}
	for i, p := range pparts {
		if p != "" && p != uparts[i] {
			return false
		}
	}
	return true
}
