package env

import (
	"os"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env composes the environment handed to child processes: the supervisor's own
// environment as the base, overridden by configured KEY=VALUE entries.
type Env struct {
	base Var
	vars Var
}

// New returns an Env based on the current process environment.
func New() *Env {
	return &Env{base: parse(os.Environ()), vars: make(Var)}
}

// NewFrom returns an Env with an explicit base, ignoring the OS environment.
func NewFrom(base []string) *Env {
	return &Env{base: parse(base), vars: make(Var)}
}

// Set overrides a single variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// Apply overrides variables from KEY=VALUE entries; malformed entries are skipped.
func (e *Env) Apply(kvs []string) {
	for k, v := range parse(kvs) {
		e.vars[k] = v
	}
}

// Get returns the composed value of k after expansion.
func (e *Env) Get(k string) (string, bool) {
	m := e.compose()
	v, ok := m[k]
	return v, ok
}

// Environ returns the composed environment as sorted KEY=VALUE entries.
// ${VAR} and $VAR references in overrides are expanded against the composed
// set; unknown references expand to the empty string.
func (e *Env) Environ() []string {
	m := e.compose()
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (e *Env) compose() Var {
	m := make(Var, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	// expansion only looks at the base plus already-set overrides, so
	// PATH=${PATH}:/extra sees the inherited PATH rather than itself
	lookup := func(name string) string { return m[name] }
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m[k] = os.Expand(e.vars[k], lookup)
	}
	return m
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
