package orchestrator

import (
	"github.com/cuemby/flotilla/pkg/types"
)

// Dependency is a name and the names it must come after
type Dependency struct {
	Name string
	Deps []string
}

// Ordering yields names so that every dependency precedes its dependents.
// It is consumed with Next and cannot be restarted.
type Ordering struct {
	pending   []Dependency
	next      []Dependency
	pos       int
	progress  bool
	satisfied map[string]bool
	err       error
}

// TopologicalSort orders entries lazily. Each pass over the pending
// entries emits, in input order, every entry whose dependencies have
// already been emitted; self-references are ignored. A pass that emits
// nothing while entries remain ends the ordering with a
// CyclicDependencyError naming those entries.
func TopologicalSort(entries []Dependency) *Ordering {
	pending := make([]Dependency, len(entries))
	copy(pending, entries)
	return &Ordering{
		pending:   pending,
		satisfied: make(map[string]bool, len(entries)),
	}
}

// Next returns the next name. ok is false once the ordering is exhausted
// or has failed.
func (o *Ordering) Next() (string, bool, error) {
	if o.err != nil {
		return "", false, o.err
	}
	for {
		if o.pos == len(o.pending) {
			if len(o.next) == 0 {
				o.pending = nil
				o.pos = 0
				return "", false, nil
			}
			if !o.progress {
				names := make([]string, 0, len(o.next))
				for _, entry := range o.next {
					names = append(names, entry.Name)
				}
				o.err = &types.CyclicDependencyError{Names: names}
				return "", false, o.err
			}
			o.pending, o.next = o.next, nil
			o.pos = 0
			o.progress = false
			continue
		}

		entry := o.pending[o.pos]
		o.pos++
		if o.ready(entry) {
			o.satisfied[entry.Name] = true
			o.progress = true
			return entry.Name, true, nil
		}
		o.next = append(o.next, entry)
	}
}

func (o *Ordering) ready(entry Dependency) bool {
	for _, dep := range entry.Deps {
		if dep != entry.Name && !o.satisfied[dep] {
			return false
		}
	}
	return true
}

// SortAll drains a TopologicalSort of entries. On a cycle nothing is
// returned but the error.
func SortAll(entries []Dependency) ([]string, error) {
	ordering := TopologicalSort(entries)
	out := make([]string, 0, len(entries))
	for {
		name, ok, err := ordering.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, name)
	}
}
