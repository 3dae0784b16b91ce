package router

import (
	"net/http"
	"regexp"
	"strings"
)

// PatternRouter provides pattern-based routing with placeholder support
// Supports patterns like "/api/set-quality/{level}"
type PatternRouter struct {
	routes []routeEntry
}

type routeEntry struct {
	pattern *regexp.Regexp
	handler http.HandlerFunc
	keys    []string
}

// NewPatternRouter creates a new pattern router
func NewPatternRouter() *PatternRouter {
	return &PatternRouter{
		routes: make([]routeEntry, 0),
	}
}

// HandleFunc registers a handler for a URL pattern with placeholders
// Pattern examples:
//   - "/api/set-quality/{level}" - matches /api/set-quality/high
//   - "/api/ice-candidate/{peer}" - matches /api/ice-candidate/3f2a
//   - "/files/{path:.*}" - matches /files/any/path
//
// Placeholder values are available to handlers through Request.PathValue.
func (pr *PatternRouter) HandleFunc(pattern string, handler http.HandlerFunc) {
	regexPattern, keys := compilePattern(pattern)
	pr.routes = append(pr.routes, routeEntry{
		pattern: regexPattern,
		handler: handler,
		keys:    keys,
	})
}

// ServeHTTP implements http.Handler interface
func (pr *PatternRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, route := range pr.routes {
		matches := route.pattern.FindStringSubmatch(r.URL.Path)
		if matches == nil {
			continue
		}
		for i, key := range route.keys {
			if i+1 < len(matches) {
				r.SetPathValue(key, matches[i+1])
			}
		}
		route.handler(w, r)
		return
	}
	http.NotFound(w, r)
}

var placeholderRegex = regexp.MustCompile(`\{([^}:]+)(?::([^}]+))?\}`)

// compilePattern converts a pattern with placeholders to a regular expression
// Returns the compiled regex and a list of placeholder keys
func compilePattern(pattern string) (*regexp.Regexp, []string) {
	keys := make([]string, 0)

	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, m := range placeholderRegex.FindAllStringSubmatchIndex(pattern, -1) {
		// Literal text between placeholders is matched verbatim
		b.WriteString(regexp.QuoteMeta(pattern[last:m[0]]))
		keys = append(keys, pattern[m[2]:m[3]])

		// Use custom regex if provided, otherwise match any non-slash characters
		if m[4] >= 0 {
			b.WriteString("(" + pattern[m[4]:m[5]] + ")")
		} else {
			b.WriteString(`([^/]+)`)
		}
		last = m[1]
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))
	b.WriteString("$")

	return regexp.MustCompile(b.String()), keys
}
