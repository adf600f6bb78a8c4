// Package policy decides whether an authenticated caller may perform an
// operation, based on the scopes its token grants.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tasknotes/apigw/internal/auth/jwt"
	"github.com/tasknotes/apigw/internal/observability"
)

// AdminRole bypasses scope checks entirely.
const AdminRole = "admin"

// Decision is the outcome of an authorization check.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Missing lists the required scopes the caller does not hold. Empty
	// when Allowed.
	Missing []string
}

// Table maps route and method to required scopes. A route or method absent
// from the table requires nothing.
type Table map[string]map[string][]string

// Engine evaluates the scope policy. The table is fixed at construction;
// concurrent Authorize calls need no locking.
type Engine struct {
	table    Table
	enforced bool
	logger   observability.Logger
}

// Config configures an Engine.
type Config struct {
	// Enforced gates the whole engine. When false every request is
	// allowed regardless of scopes.
	Enforced bool

	// File is an optional YAML policy table overriding the built-in one.
	File string

	// Logger for policy decisions.
	Logger observability.Logger
}

// DefaultTable returns the built-in policy for the TaskNotes services.
func DefaultTable() Table {
	return Table{
		"tasks": {
			"GET":    {"tasks:read"},
			"POST":   {"tasks:write"},
			"PUT":    {"tasks:write"},
			"PATCH":  {"tasks:write"},
			"DELETE": {"tasks:write"},
		},
		"user-profile": {
			"GET":    {"profile:read"},
			"POST":   {"profile:write"},
			"PUT":    {"profile:write"},
			"PATCH":  {"profile:write"},
			"DELETE": {"profile:write"},
		},
		"search": {
			"GET": {"tasks:read"},
		},
	}
}

// NewEngine creates a policy engine from config. When config.File is set
// the table is loaded from it once; the engine never re-reads the file.
func NewEngine(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	table := DefaultTable()
	if cfg.File != "" {
		loaded, err := LoadTable(cfg.File)
		if err != nil {
			return nil, err
		}
		table = loaded
		logger.Info("policy table loaded",
			observability.String("file", cfg.File),
			observability.Int("routes", len(table)))
	}

	return &Engine{
		table:    normalizeTable(table),
		enforced: cfg.Enforced,
		logger:   logger,
	}, nil
}

// LoadTable parses a YAML policy table of the form:
//
//	tasks:
//	  GET: [tasks:read]
//	  POST: [tasks:write]
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return table, nil
}

// normalizeTable uppercases method keys so lookups match http.Request
// methods.
func normalizeTable(table Table) Table {
	normalized := make(Table, len(table))
	for route, methods := range table {
		normalized[route] = make(map[string][]string, len(methods))
		for method, scopes := range methods {
			normalized[route][strings.ToUpper(method)] = scopes
		}
	}
	return normalized
}

// Authorize checks the caller's scopes against the policy for route and
// method. Admin-role callers and unlisted operations are always allowed.
func (e *Engine) Authorize(claims *jwt.Claims, route, method string) Decision {
	if !e.enforced {
		return Decision{Allowed: true}
	}
	if claims != nil && claims.HasRole(AdminRole) {
		return Decision{Allowed: true}
	}

	methods, ok := e.table[route]
	if !ok {
		return Decision{Allowed: true}
	}
	required, ok := methods[method]
	if !ok || len(required) == 0 {
		return Decision{Allowed: true}
	}

	var missing []string
	for _, scope := range required {
		if claims == nil || !claims.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) > 0 {
		return Decision{Allowed: false, Missing: missing}
	}
	return Decision{Allowed: true}
}
