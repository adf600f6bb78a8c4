package gateway

import "strings"

// emptyPathStyle controls the upstream path when the client hit the route
// root. The backends disagree on whether their root is "/tasks/" or
// "/tags", so each route records what its service expects.
type emptyPathStyle int

const (
	// emptyMirror echoes the client's trailing slash.
	emptyMirror emptyPathStyle = iota
	// emptySlash always appends a trailing slash.
	emptySlash
	// emptyBare never appends one.
	emptyBare
)

// routeSpec describes one logical route the gateway serves.
type routeSpec struct {
	// service is the upstream pool name.
	service string

	// prefix is the path prefix on the upstream service. Routes whose
	// public path differs from the backend path rewrite here.
	prefix string

	// public routes skip authentication entirely.
	public bool

	emptyStyle emptyPathStyle
}

// routeTable maps the first path segment to its route spec.
var routeTable = map[string]routeSpec{
	"auth":         {service: "auth", prefix: "/auth", public: true, emptyStyle: emptyMirror},
	"tasks":        {service: "tasks", prefix: "/tasks", emptyStyle: emptySlash},
	"notes":        {service: "notes", prefix: "/notes", emptyStyle: emptySlash},
	"tags":         {service: "tags", prefix: "/tags", emptyStyle: emptyBare},
	"categories":   {service: "categories", prefix: "/categories", emptyStyle: emptyBare},
	"user-profile": {service: "user-profile", prefix: "/profiles", emptyStyle: emptyMirror},
	"search":       {service: "search", prefix: "", emptyStyle: emptyMirror},
}

// splitRoute breaks a request path into route label, remainder, and whether
// the path carried a trailing slash.
func splitRoute(path string) (route, rest string, trailingSlash bool) {
	trailingSlash = strings.HasSuffix(path, "/")
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", trailingSlash
	}

	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		route = trimmed[:idx]
		rest = strings.Trim(trimmed[idx+1:], "/")
	} else {
		route = trimmed
	}
	return route, rest, trailingSlash
}

// upstreamPath maps the client path remainder onto the upstream service's
// path space.
func (s routeSpec) upstreamPath(rest string, trailingSlash bool) string {
	if rest != "" {
		path := s.prefix + "/" + rest
		if trailingSlash {
			path += "/"
		}
		return path
	}

	switch s.emptyStyle {
	case emptySlash:
		return s.prefix + "/"
	case emptyBare:
		return s.prefix
	default:
		if trailingSlash {
			return s.prefix + "/"
		}
		return s.prefix
	}
}
