package tasks

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/webclient"
)

// Registry is the fixed, ordered task table a scan iterates.
type Registry struct {
	tasks []Task
	index map[string]int
}

// NewRegistry builds a registry in the given order. Names must be unique
// and non-empty.
func NewRegistry(tasks ...Task) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(tasks))}
	for _, t := range tasks {
		if t == nil || t.Name() == "" {
			return nil, errors.New("task with empty name")
		}
		if _, dup := r.index[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate task %q", t.Name())
		}
		r.index[t.Name()] = len(r.tasks)
		r.tasks = append(r.tasks, t)
	}
	return r, nil
}

// Tasks returns the tasks in execution order.
func (r *Registry) Tasks() []Task {
	return append([]Task(nil), r.tasks...)
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.Name()
	}
	return out
}

func (r *Registry) Len() int { return len(r.tasks) }

func (r *Registry) Lookup(name string) (Task, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.tasks[i], true
}

// Select returns a registry holding only names, kept in registry order.
// An empty selection returns r unchanged.
func (r *Registry) Select(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := r.index[n]; !ok {
			return nil, fmt.Errorf("unknown task %q", n)
		}
		want[n] = struct{}{}
	}
	var picked []Task
	for _, t := range r.tasks {
		if _, ok := want[t.Name()]; ok {
			picked = append(picked, t)
		}
	}
	return NewRegistry(picked...)
}

// CriticalSet names the tasks whose failure aborts a scan. The zero value
// is empty.
type CriticalSet struct {
	names map[string]struct{}
}

func NewCriticalSet(names ...string) CriticalSet {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return CriticalSet{names: m}
}

// DefaultCriticalSet treats a target without DNS as fatal.
func DefaultCriticalSet() CriticalSet {
	return NewCriticalSet(DNSBaselineName)
}

func (c CriticalSet) Contains(name string) bool {
	_, ok := c.names[name]
	return ok
}

func (c CriticalSet) Names() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Deps are the collaborators the built-in tasks use. Nil Resolver and
// Dialer fall back to the system ones.
type Deps struct {
	Evidence EvidenceWriter
	Web      webclient.WebClient
	Resolver Resolver
	Dialer   Dialer
	Logger   logging.Logger
	Now      func() time.Time
}

// Build returns the built-in tasks in their fixed order, filtered by
// cfg.Enabled, and the critical set from cfg.Critical.
func Build(cfg Config, deps Deps) (*Registry, CriticalSet, error) {
	if deps.Evidence == nil {
		return nil, CriticalSet{}, errors.New("tasks: evidence writer is required")
	}
	if deps.Web == nil {
		return nil, CriticalSet{}, errors.New("tasks: web client is required")
	}
	if deps.Resolver == nil {
		deps.Resolver = net.DefaultResolver
	}
	if deps.Dialer == nil {
		deps.Dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	all, err := NewRegistry(
		NewDNSBaseline(deps.Resolver, deps.Evidence, deps.Logger),
		NewHTTPHeaders(cfg, deps.Web, deps.Evidence, deps.Logger),
		NewTechDetect(cfg, deps.Web, deps.Evidence, deps.Logger),
		NewTLSConfig(cfg, deps.Dialer, deps.Evidence, deps.Logger, deps.Now),
		NewExposedServices(cfg, deps.Dialer, deps.Evidence, deps.Logger),
		NewTypoDomains(cfg, deps.Resolver, deps.Evidence, deps.Logger),
	)
	if err != nil {
		return nil, CriticalSet{}, err
	}
	reg, err := all.Select(cfg.Enabled)
	if err != nil {
		return nil, CriticalSet{}, err
	}

	critical := DefaultCriticalSet()
	if cfg.Critical != nil {
		for _, n := range cfg.Critical {
			if _, ok := all.Lookup(n); !ok {
				return nil, CriticalSet{}, fmt.Errorf("unknown critical task %q", n)
			}
		}
		critical = NewCriticalSet(cfg.Critical...)
	}
	return reg, critical, nil
}
