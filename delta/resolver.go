package delta

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// MatchMode selects how the resolver picks a strategy.
type MatchMode string

const (
	// MatchAuto uses IDs when both sets carry them, nearest neighbour otherwise.
	MatchAuto MatchMode = "auto"
	// MatchForceSpatial always uses nearest-neighbour matching.
	MatchForceSpatial MatchMode = "spatial"
)

// Resolver maps indices of a source point set to indices of a target set.
type Resolver struct {
	Mode    MatchMode
	Workers int // 0 means GOMAXPROCS
}

// NewResolver returns a resolver in auto mode.
func NewResolver(workers int) *Resolver {
	return &Resolver{Mode: MatchAuto, Workers: workers}
}

// Resolve builds the source→target mapping.
func (r *Resolver) Resolve(source, target *PointSet) (Mapping, error) {
	return r.ResolveContext(context.Background(), source, target)
}

// ResolveContext is Resolve with cancellation of the parallel query phase.
func (r *Resolver) ResolveContext(ctx context.Context, source, target *PointSet) (Mapping, error) {
	if r.Mode != MatchForceSpatial && source.HasIDs() && target.HasIDs() {
		return r.resolveByID(ctx, source, target)
	}
	return r.resolveSpatial(ctx, source, target)
}

// idEntry pairs a target ID with its position in the target set.
type idEntry struct {
	id    int64
	index int
}

// resolveByID matches on exact ID equality using a sorted copy of the target IDs.
func (r *Resolver) resolveByID(ctx context.Context, source, target *PointSet) (Mapping, error) {
	sorted := make([]idEntry, len(target.IDs))
	for i, id := range target.IDs {
		sorted[i] = idEntry{id: id, index: i}
	}
	slices.SortFunc(sorted, func(a, b idEntry) int {
		if c := cmp.Compare(a.id, b.id); c != 0 {
			return c
		}
		return cmp.Compare(a.index, b.index)
	})

	m := Mapping{Strategy: MatchByID, Target: make([]int, len(source.IDs))}
	err := parallelRange(ctx, len(source.IDs), r.Workers, func(start, end int) error {
		for i := start; i < end; i++ {
			id := source.IDs[i]
			pos, found := slices.BinarySearchFunc(sorted, id, func(e idEntry, t int64) int {
				return cmp.Compare(e.id, t)
			})
			// The insertion point of a missing ID is not a match.
			if found && sorted[pos].id == id {
				m.Target[i] = sorted[pos].index
			} else {
				m.Target[i] = -1
			}
		}
		return nil
	})
	if err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// resolveSpatial maps every source point to its nearest target position.
func (r *Resolver) resolveSpatial(ctx context.Context, source, target *PointSet) (Mapping, error) {
	if target.Len() == 0 {
		return Mapping{}, fmt.Errorf("%w: target has no points for %d source points", ErrNoCorrespondenceTargets, source.Len())
	}

	index := newSpatialIndex(target.Positions)
	m := Mapping{Strategy: MatchSpatial, Target: make([]int, source.Len())}
	err := parallelRange(ctx, source.Len(), r.Workers, func(start, end int) error {
		for i := start; i < end; i++ {
			j, _ := index.Nearest(source.Positions[i])
			m.Target[i] = j
		}
		return nil
	})
	if err != nil {
		return Mapping{}, err
	}
	return m, nil
}
