package forja

import (
	"fmt"
)

// scheduler drives rebuild-all: a naive fixpoint over the recipe set rather
// than a topological sort. Build and remove are injected so the loop stays
// independent of the pipeline machinery.
type scheduler struct {
	db     *StateDB
	build  func(*Recipe) error
	remove func(name string) error
}

func newScheduler(db *StateDB, cfg *Config, execCtx *Executor) *scheduler {
	return &scheduler{
		db: db,
		build: func(r *Recipe) error {
			return buildRecipe(r, db, cfg, execCtx)
		},
		remove: func(name string) error {
			return pkgRemove(name, db, RootExec)
		},
	}
}

// rebuildAll repeatedly scans the pending queue in its given order. A recipe
// whose dependencies are all installed is removed (forcing a fresh rebuild,
// never a skip) and rebuilt, then dropped from the queue; one whose
// dependencies are unmet is deferred to the next pass. A pass that builds
// nothing ends the loop: whatever is still queued is unsatisfiable or cyclic
// and is reported as an UnresolvedError naming each leftover with its unmet
// dependency names.
func (s *scheduler) rebuildAll(recipes []*Recipe) error {
	pending := make([]*Recipe, len(recipes))
	copy(pending, recipes)

	pass := 0
	for len(pending) > 0 {
		pass++
		debugf("Scheduler pass %d: %d recipe(s) pending\n", pass, len(pending))

		var next []*Recipe
		built := 0
		for _, r := range pending {
			if len(s.missingDeps(r)) > 0 {
				next = append(next, r)
				continue
			}

			if s.db.IsInstalled(r.Name) {
				if err := s.remove(r.Name); err != nil {
					return fmt.Errorf("rebuild of %s: removing old install: %w", r.Name, err)
				}
			}
			if err := s.build(r); err != nil {
				return fmt.Errorf("rebuild of %s: %w", r.Name, err)
			}
			built++
		}

		pending = next
		if built == 0 {
			break
		}
	}

	if len(pending) > 0 {
		unresolved := &UnresolvedError{}
		for _, r := range pending {
			unresolved.Remaining = append(unresolved.Remaining, UnresolvedRecipe{
				Name:    r.Name,
				Missing: s.missingDeps(r),
			})
		}
		return unresolved
	}
	return nil
}

func (s *scheduler) missingDeps(r *Recipe) []string {
	var missing []string
	for _, dep := range r.Depends {
		if !s.db.IsInstalled(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}
