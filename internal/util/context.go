// Package util provides shared context helpers.
package util

import "context"

type routeKeyType struct{}

var routeKey routeKeyType

// routeLabel carries the matched route between pipeline stages. The access
// log middleware installs it before the router runs and reads it after the
// handler returns, so the holder is mutated in place rather than replaced.
type routeLabel struct {
	value string
}

// ContextWithRouteLabel installs an empty route label holder.
func ContextWithRouteLabel(ctx context.Context) context.Context {
	return context.WithValue(ctx, routeKey, &routeLabel{})
}

// SetRoute records the matched route in the holder, if one is installed.
func SetRoute(ctx context.Context, route string) {
	if l, ok := ctx.Value(routeKey).(*routeLabel); ok {
		l.value = route
	}
}

// RouteFromContext returns the recorded route label, or empty when no
// holder is installed or no route was matched yet.
func RouteFromContext(ctx context.Context) string {
	if l, ok := ctx.Value(routeKey).(*routeLabel); ok {
		return l.value
	}
	return ""
}
