package query

import (
	"regexp"
	"sort"
	"time"

	"github.com/driftlock/driftlock/internal/entity"
	"github.com/driftlock/driftlock/internal/errors"
)

// Source dereferences related objects by identifier. The pin store
// provides one backed by its identity map.
type Source interface {
	Lookup(className, objectID string) (*entity.Entity, bool)
}

// Evaluator matches and orders entities against query states.
type Evaluator struct {
	source     Source
	maxDepth   int
	maxResults int
}

// New creates an evaluator. maxDepth bounds related-to recursion so
// self-referential relation cycles terminate; maxResults caps a single
// local query.
func New(source Source, maxDepth, maxResults int) *Evaluator {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxResults < 1 {
		maxResults = 1
	}
	return &Evaluator{source: source, maxDepth: maxDepth, maxResults: maxResults}
}

// Matches reports whether e satisfies every constraint of s.
func (ev *Evaluator) Matches(s *State, e *entity.Entity) (bool, error) {
	return ev.matchesAtDepth(s, e, 0)
}

func (ev *Evaluator) matchesAtDepth(s *State, e *entity.Entity, depth int) (bool, error) {
	if e.ClassName() != s.ClassName {
		return false, nil
	}
	for field, conditions := range s.Constraints {
		value, present := e.Get(field)
		for _, cond := range conditions {
			ok, err := ev.matchCondition(cond, value, present, depth)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func (ev *Evaluator) matchCondition(cond Condition, value any, present bool, depth int) (bool, error) {
	switch cond.Op {
	case OpExists:
		want, ok := cond.Value.(bool)
		if !ok {
			return false, errors.NewProgrammer("exists constraint requires a bool")
		}
		return present == want, nil
	case OpRelatedTo:
		return ev.matchRelatedTo(cond, value, present, depth)
	}

	// Every other constraint kind never matches a missing field.
	if !present {
		return false, nil
	}

	switch cond.Op {
	case OpEqual:
		return entity.ValueEquals(value, cond.Value), nil
	case OpNotEqual:
		return !entity.ValueEquals(value, cond.Value), nil
	case OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual:
		cmp, comparable := compareValues(value, cond.Value)
		if !comparable {
			// Comparisons on mismatched types never match.
			return false, nil
		}
		switch cond.Op {
		case OpLessThan:
			return cmp < 0, nil
		case OpLessEqual:
			return cmp <= 0, nil
		case OpGreaterThan:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpIn:
		set, ok := cond.Value.([]any)
		if !ok {
			return false, errors.NewProgrammer("in constraint requires a list")
		}
		for _, candidate := range set {
			if entity.ValueEquals(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		set, ok := cond.Value.([]any)
		if !ok {
			return false, errors.NewProgrammer("not-in constraint requires a list")
		}
		for _, candidate := range set {
			if entity.ValueEquals(value, candidate) {
				return false, nil
			}
		}
		return true, nil
	case OpAll:
		want, ok := cond.Value.([]any)
		if !ok {
			return false, errors.NewProgrammer("all constraint requires a list")
		}
		list, ok := value.([]any)
		if !ok {
			return false, nil
		}
		for _, w := range want {
			found := false
			for _, item := range list {
				if entity.ValueEquals(item, w) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	case OpRegex:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false, errors.NewProgrammer("regex constraint requires a pattern string")
		}
		str, ok := value.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, errors.NewProgrammer("invalid regex pattern: " + err.Error())
		}
		return re.MatchString(str), nil
	case OpWithinBox:
		box, ok := cond.Value.(Box)
		if !ok {
			return false, errors.NewProgrammer("box constraint requires a Box")
		}
		point, ok := value.(entity.GeoPoint)
		if !ok {
			return false, nil
		}
		return point.Latitude >= box.Southwest.Latitude &&
			point.Latitude <= box.Northeast.Latitude &&
			point.Longitude >= box.Southwest.Longitude &&
			point.Longitude <= box.Northeast.Longitude, nil
	case OpWithinPolygon:
		poly, ok := cond.Value.(entity.Polygon)
		if !ok {
			return false, errors.NewProgrammer("polygon constraint requires a Polygon")
		}
		point, ok := value.(entity.GeoPoint)
		if !ok {
			return false, nil
		}
		return poly.Contains(point), nil
	case OpNearSphere:
		near, ok := cond.Value.(Near)
		if !ok {
			return false, errors.NewProgrammer("near constraint requires a Near")
		}
		point, ok := value.(entity.GeoPoint)
		if !ok {
			return false, nil
		}
		return near.Origin.DistanceKm(point) <= near.MaxDistanceKm, nil
	}
	return false, errors.NewProgrammer("unknown constraint operator " + string(cond.Op))
}

// matchRelatedTo dereferences a relation field and requires at least one
// related object to satisfy the nested query. Recursion depth is bounded;
// past the bound the constraint simply does not match, so cycles degrade
// to "not related" instead of spinning.
func (ev *Evaluator) matchRelatedTo(cond Condition, value any, present bool, depth int) (bool, error) {
	sub, ok := cond.Value.(*State)
	if !ok {
		return false, errors.NewProgrammer("related-to constraint requires a nested query state")
	}
	if !present {
		return false, nil
	}
	rel, ok := value.(entity.Relation)
	if !ok {
		return false, nil
	}
	if depth >= ev.maxDepth {
		return false, nil
	}
	if ev.source == nil {
		return false, errors.NewProgrammer("related-to constraint requires a lookup source")
	}

	for _, id := range rel.IDs {
		related, found := ev.source.Lookup(rel.TargetClass, id)
		if !found {
			continue
		}
		ok, err := ev.matchesAtDepth(sub, related, depth+1)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Evaluate filters candidates by s, orders them stably by the sort keys
// (ties preserve the order objects were stored in), and applies skip and
// limit. Exceeding the evaluator's result cap is a TOO_MANY_RESULTS
// error, distinct from an empty result.
func (ev *Evaluator) Evaluate(s *State, candidates []*entity.Entity) ([]*entity.Entity, error) {
	var matched []*entity.Entity
	for _, e := range candidates {
		ok, err := ev.Matches(s, e)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, e)
			if len(matched) > ev.maxResults {
				return nil, errors.NewTooManyResults(s.ClassName, len(matched))
			}
		}
	}

	if len(s.Sort) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return sortLess(s.Sort, matched[i], matched[j])
		})
	}

	if s.Skip > 0 {
		if s.Skip >= len(matched) {
			return nil, nil
		}
		matched = matched[s.Skip:]
	}
	if s.Limit > 0 && len(matched) > s.Limit {
		matched = matched[:s.Limit]
	}
	return matched, nil
}

// Count returns how many candidates satisfy s, ignoring skip and limit.
func (ev *Evaluator) Count(s *State, candidates []*entity.Entity) (int, error) {
	n := 0
	for _, e := range candidates {
		ok, err := ev.Matches(s, e)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// FindOne returns the single entity satisfying s. No match is NOT_FOUND;
// two or more is TOO_MANY_RESULTS, which callers treat as a
// data-integrity signal.
func (ev *Evaluator) FindOne(s *State, candidates []*entity.Entity) (*entity.Entity, error) {
	var found *entity.Entity
	count := 0
	for _, e := range candidates {
		ok, err := ev.Matches(s, e)
		if err != nil {
			return nil, err
		}
		if ok {
			count++
			if count > 1 {
				return nil, errors.NewTooManyResults(s.ClassName, count)
			}
			found = e
		}
	}
	if found == nil {
		return nil, errors.NewNotFound(s.ClassName)
	}
	return found, nil
}

// Project returns e's fields restricted to the state's selected keys. An
// empty key list returns a full snapshot.
func Project(s *State, e *entity.Entity) map[string]any {
	snap := e.Snapshot()
	if len(s.Keys) == 0 {
		return snap
	}
	projected := make(map[string]any, len(s.Keys))
	for _, key := range s.Keys {
		if v, ok := snap[key]; ok {
			projected[key] = v
		}
	}
	return projected
}

// sortLess orders a before b per the sort keys. Missing fields sort before
// present ones; incomparable values are treated as equal, deferring to
// stored order.
func sortLess(keys []SortKey, a, b *entity.Entity) bool {
	for _, key := range keys {
		av, aok := a.Get(key.Field)
		bv, bok := b.Get(key.Field)

		if !aok && !bok {
			continue
		}
		if !aok {
			return !key.Descending
		}
		if !bok {
			return key.Descending
		}

		cmp, comparable := compareValues(av, bv)
		if !comparable || cmp == 0 {
			continue
		}
		if key.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

// compareValues orders two field values of the same kind: numbers by
// magnitude, strings lexically, booleans false<true, times
// chronologically. Mismatched kinds are incomparable.
func compareValues(a, b any) (int, bool) {
	if entity.IsNumber(a) && entity.IsNumber(b) {
		an, bn := entity.Number(a), entity.Number(b)
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case !av && bv:
			return -1, true
		case av && !bv:
			return 1, true
		}
		return 0, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
