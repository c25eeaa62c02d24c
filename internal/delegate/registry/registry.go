// Package registry implements the AgentRegistry component: role definitions loaded
// from a directory of YAML files at startup, looked up by name, with effective
// tool-set computation per role.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// Error mirrors the component/action/message shape used across the retrieved pack
// for registry-style failures, so a caller can log structured fields instead of
// string-matching.
type Error struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

type snapshot struct {
	roles map[string]delegate.AgentRole
	order []string
}

// Registry loads AgentRole definitions from disk and serves lookups against an
// immutable, atomically-swapped snapshot. Readers never block on Reload.
type Registry struct {
	dir string
	log zerolog.Logger
	cur atomic.Pointer[snapshot]
}

// Load reads every "*.yaml"/"*.yml" file in dir, one AgentRole per file, and
// returns a Registry ready for concurrent lookups.
func Load(dir string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{dir: dir, log: log.With().Str("component", "registry").Logger()}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the role directory and atomically swaps in a new snapshot. Safe
// to call concurrently with lookups; lookups in flight keep seeing the old snapshot
// until the swap completes.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return &Error{Component: "registry", Action: "reload", Message: "read role directory", Err: err}
	}

	roles := make(map[string]delegate.AgentRole)
	var order []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return &Error{Component: "registry", Action: "reload", Message: "read role file " + name, Err: err}
		}
		var role delegate.AgentRole
		if err := yaml.Unmarshal(data, &role); err != nil {
			return &Error{Component: "registry", Action: "reload", Message: "parse role file " + name, Err: err}
		}
		if role.Name == "" {
			return &Error{Component: "registry", Action: "reload", Message: "role file " + name + " has no name"}
		}
		if role.LoopLimit <= 0 {
			role.LoopLimit = 10
		}
		roleName := strings.ToUpper(role.Name)
		role.Name = roleName
		if err := validateForbidden(role); err != nil {
			return err
		}
		roles[roleName] = role
		order = append(order, roleName)
	}
	sort.Strings(order)

	r.cur.Store(&snapshot{roles: roles, order: order})
	r.log.Info().Int("roles", len(roles)).Msg("agent role registry loaded")
	return nil
}

func validateForbidden(role delegate.AgentRole) error {
	forbidden := make(map[string]bool, len(role.ForbiddenTools))
	for _, t := range role.ForbiddenTools {
		forbidden[t] = true
	}
	for _, t := range role.DefaultTools {
		if forbidden[t] {
			return &Error{
				Component: "registry",
				Action:    "validate",
				Message:   fmt.Sprintf("role %s lists %s in both default_tools and forbidden_tools", role.Name, t),
			}
		}
	}
	return nil
}

// Roles returns every known role name, sorted.
func (r *Registry) Roles() []string {
	snap := r.cur.Load()
	out := make([]string, len(snap.order))
	copy(out, snap.order)
	return out
}

// Get returns the role definition for name, or ErrUnknownRole.
func (r *Registry) Get(name string) (delegate.AgentRole, error) {
	snap := r.cur.Load()
	role, ok := snap.roles[strings.ToUpper(name)]
	if !ok {
		return delegate.AgentRole{}, delegate.NewTaskError(delegate.ErrUnknownRole, "registry",
			fmt.Sprintf("unknown role %q", name), nil, "role", name)
	}
	return role, nil
}

// EffectiveTools computes a role's effective tool set:
//
//	(default_tools ∪ {all non-builtin tools in available}) − forbidden_tools
//
// intersected with available (the current tool snapshot).
func (r *Registry) EffectiveTools(name string, available []delegate.ToolDescriptor) ([]delegate.ToolDescriptor, error) {
	role, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	forbidden := make(map[string]bool, len(role.ForbiddenTools))
	for _, t := range role.ForbiddenTools {
		forbidden[t] = true
	}
	allowedDefaults := make(map[string]bool, len(role.DefaultTools))
	for _, t := range role.DefaultTools {
		if !forbidden[t] {
			allowedDefaults[t] = true
		}
	}

	byName := make(map[string]delegate.ToolDescriptor, len(available))
	for _, d := range available {
		byName[d.Name] = d
	}

	wanted := make(map[string]bool)
	for name := range allowedDefaults {
		wanted[name] = true
	}
	for _, d := range available {
		if d.Server() != "builtin" && !forbidden[d.Name] {
			wanted[d.Name] = true
		}
	}

	var out []delegate.ToolDescriptor
	for name := range wanted {
		if d, ok := byName[name]; ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
