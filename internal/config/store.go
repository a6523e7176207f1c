package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
)

// Snapshot is an immutable view of the targets and the technology catalog.
// Callers must not modify it; reconfiguration installs a new Snapshot.
type Snapshot struct {
	Version  int64
	Targets  v1alpha1.SLOTargets
	profiles map[string]v1alpha1.TechnologyProfile
	names    []string
}

// Profile looks up a technology by name.
func (s *Snapshot) Profile(name string) (v1alpha1.TechnologyProfile, bool) {
	p, ok := s.profiles[name]
	return p, ok
}

// Profiles returns the catalog in the order it was installed.
func (s *Snapshot) Profiles() []v1alpha1.TechnologyProfile {
	out := make([]v1alpha1.TechnologyProfile, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.profiles[n])
	}
	return out
}

// Store publishes Snapshots. Get never blocks; Update serializes writers and
// swaps in a complete new Snapshot, so a reader holding the previous one is
// unaffected.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewStore validates and installs the first snapshot.
func NewStore(targets v1alpha1.SLOTargets, profiles []v1alpha1.TechnologyProfile) (*Store, error) {
	s := &Store{}
	if err := s.Update(targets, profiles); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the current snapshot.
func (s *Store) Get() *Snapshot {
	return s.current.Load()
}

// Update validates the inputs and installs them as a new snapshot. On error
// the current snapshot stays in place.
func (s *Store) Update(targets v1alpha1.SLOTargets, profiles []v1alpha1.TechnologyProfile) error {
	next, err := buildSnapshot(targets, profiles)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.current.Load(); prev != nil {
		next.Version = prev.Version + 1
	} else {
		next.Version = 1
	}
	s.current.Store(next)
	return nil
}

// UpdateTargets replaces only the targets, keeping the current catalog.
func (s *Store) UpdateTargets(targets v1alpha1.SLOTargets) error {
	return s.Update(targets, s.Get().Profiles())
}

func buildSnapshot(targets v1alpha1.SLOTargets, profiles []v1alpha1.TechnologyProfile) (*Snapshot, error) {
	var errs []error
	if err := targets.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(profiles) == 0 {
		errs = append(errs, fmt.Errorf("technology catalog must not be empty"))
	}

	snap := &Snapshot{
		Targets:  targets,
		profiles: make(map[string]v1alpha1.TechnologyProfile, len(profiles)),
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := snap.profiles[p.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate technology profile %q", p.Name))
			continue
		}
		p.MemoryCapacity = p.MemoryCapacity.DeepCopy()
		snap.profiles[p.Name] = p
		snap.names = append(snap.names, p.Name)
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, err
	}
	return snap, nil
}
