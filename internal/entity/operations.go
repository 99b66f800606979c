package entity

import (
	"github.com/driftlock/driftlock/internal/errors"
)

// FieldOp is one pending mutation of a single field. Ops compose: applying
// op A then op B to a field is equivalent to applying B.MergeWithPrevious(A)
// once, so in-flight saves can be collapsed deterministically.
type FieldOp interface {
	// Apply produces the new field value given the current one.
	// present is false when the field is absent.
	Apply(old any, present bool) (value any, keep bool, err error)

	// MergeWithPrevious folds a previously queued op into this one.
	// prev may be nil.
	MergeWithPrevious(prev FieldOp) (FieldOp, error)
}

// SetOp replaces the field with a fixed value. It overrides any prior op.
type SetOp struct {
	Value any
}

func (op SetOp) Apply(any, bool) (any, bool, error) {
	return op.Value, true, nil
}

func (op SetOp) MergeWithPrevious(FieldOp) (FieldOp, error) {
	return op, nil
}

// DeleteOp removes the field. It overrides any prior op.
type DeleteOp struct{}

func (op DeleteOp) Apply(any, bool) (any, bool, error) {
	return nil, false, nil
}

func (op DeleteOp) MergeWithPrevious(FieldOp) (FieldOp, error) {
	return op, nil
}

// IncrementOp adds Amount to a numeric field, treating an absent field
// as zero.
type IncrementOp struct {
	Amount float64
}

func (op IncrementOp) Apply(old any, present bool) (any, bool, error) {
	if !present || old == nil {
		return op.Amount, true, nil
	}
	if !IsNumber(old) {
		return nil, false, errors.NewProgrammer("cannot increment a non-numeric field")
	}
	return Number(old) + op.Amount, true, nil
}

func (op IncrementOp) MergeWithPrevious(prev FieldOp) (FieldOp, error) {
	switch p := prev.(type) {
	case nil:
		return op, nil
	case SetOp:
		if !IsNumber(p.Value) {
			return nil, errors.NewProgrammer("cannot increment after setting a non-numeric value")
		}
		return SetOp{Value: Number(p.Value) + op.Amount}, nil
	case IncrementOp:
		return IncrementOp{Amount: p.Amount + op.Amount}, nil
	case DeleteOp:
		return SetOp{Value: op.Amount}, nil
	}
	return nil, errors.NewProgrammer("increment cannot follow a list operation")
}

// AddOp appends values to a list field.
type AddOp struct {
	Values []any
}

func (op AddOp) Apply(old any, present bool) (any, bool, error) {
	list, err := asList(old, present)
	if err != nil {
		return nil, false, err
	}
	return append(append([]any{}, list...), op.Values...), true, nil
}

func (op AddOp) MergeWithPrevious(prev FieldOp) (FieldOp, error) {
	switch p := prev.(type) {
	case nil:
		return op, nil
	case SetOp:
		merged, _, err := op.Apply(p.Value, true)
		if err != nil {
			return nil, err
		}
		return SetOp{Value: merged}, nil
	case AddOp:
		return AddOp{Values: append(append([]any{}, p.Values...), op.Values...)}, nil
	case DeleteOp:
		return SetOp{Value: append([]any{}, op.Values...)}, nil
	}
	return nil, errors.NewProgrammer("add cannot follow an incompatible operation")
}

// AddUniqueOp appends values to a list field, skipping values already
// present (pointer values compare by class and object ID).
type AddUniqueOp struct {
	Values []any
}

func (op AddUniqueOp) Apply(old any, present bool) (any, bool, error) {
	list, err := asList(old, present)
	if err != nil {
		return nil, false, err
	}
	result := append([]any{}, list...)
	for _, v := range op.Values {
		if !listContains(result, v) {
			result = append(result, v)
		}
	}
	return result, true, nil
}

func (op AddUniqueOp) MergeWithPrevious(prev FieldOp) (FieldOp, error) {
	switch p := prev.(type) {
	case nil:
		return op, nil
	case SetOp:
		merged, _, err := op.Apply(p.Value, true)
		if err != nil {
			return nil, err
		}
		return SetOp{Value: merged}, nil
	case AddUniqueOp:
		merged, _, err := op.Apply(p.Values, true)
		if err != nil {
			return nil, err
		}
		return AddUniqueOp{Values: merged.([]any)}, nil
	case DeleteOp:
		return SetOp{Value: append([]any{}, op.Values...)}, nil
	}
	return nil, errors.NewProgrammer("add-unique cannot follow an incompatible operation")
}

// RemoveOp deletes matching values from a list field.
type RemoveOp struct {
	Values []any
}

func (op RemoveOp) Apply(old any, present bool) (any, bool, error) {
	list, err := asList(old, present)
	if err != nil {
		return nil, false, err
	}
	result := make([]any, 0, len(list))
	for _, v := range list {
		if !listContains(op.Values, v) {
			result = append(result, v)
		}
	}
	return result, true, nil
}

func (op RemoveOp) MergeWithPrevious(prev FieldOp) (FieldOp, error) {
	switch p := prev.(type) {
	case nil:
		return op, nil
	case SetOp:
		merged, _, err := op.Apply(p.Value, true)
		if err != nil {
			return nil, err
		}
		return SetOp{Value: merged}, nil
	case RemoveOp:
		combined := append(append([]any{}, p.Values...), op.Values...)
		return RemoveOp{Values: combined}, nil
	case DeleteOp:
		return DeleteOp{}, nil
	}
	return nil, errors.NewProgrammer("remove cannot follow an incompatible operation")
}

// RelationOp adds and removes object IDs on a relation field.
type RelationOp struct {
	TargetClass string
	AddIDs      []string
	RemoveIDs   []string
}

func (op RelationOp) Apply(old any, present bool) (any, bool, error) {
	rel := Relation{TargetClass: op.TargetClass}
	if present && old != nil {
		existing, ok := old.(Relation)
		if !ok {
			return nil, false, errors.NewProgrammer("relation operation on a non-relation field")
		}
		if existing.TargetClass != op.TargetClass {
			return nil, false, errors.NewProgrammer("relation operation targets a different class than the field")
		}
		rel.IDs = append([]string{}, existing.IDs...)
	}

	for _, id := range op.AddIDs {
		if !rel.Has(id) {
			rel.IDs = append(rel.IDs, id)
		}
	}
	if len(op.RemoveIDs) > 0 {
		kept := rel.IDs[:0]
		for _, id := range rel.IDs {
			if !stringSliceContains(op.RemoveIDs, id) {
				kept = append(kept, id)
			}
		}
		rel.IDs = kept
	}
	return rel, true, nil
}

func (op RelationOp) MergeWithPrevious(prev FieldOp) (FieldOp, error) {
	switch p := prev.(type) {
	case nil:
		return op, nil
	case RelationOp:
		if p.TargetClass != op.TargetClass {
			return nil, errors.NewProgrammer("relation operations target different classes")
		}
		merged := RelationOp{TargetClass: op.TargetClass}
		// Later adds cancel earlier removes and vice versa.
		for _, id := range p.AddIDs {
			if !stringSliceContains(op.RemoveIDs, id) {
				merged.AddIDs = append(merged.AddIDs, id)
			}
		}
		for _, id := range op.AddIDs {
			if !stringSliceContains(merged.AddIDs, id) {
				merged.AddIDs = append(merged.AddIDs, id)
			}
		}
		for _, id := range p.RemoveIDs {
			if !stringSliceContains(op.AddIDs, id) {
				merged.RemoveIDs = append(merged.RemoveIDs, id)
			}
		}
		for _, id := range op.RemoveIDs {
			if !stringSliceContains(merged.RemoveIDs, id) {
				merged.RemoveIDs = append(merged.RemoveIDs, id)
			}
		}
		return merged, nil
	}
	return nil, errors.NewProgrammer("relation operation cannot follow a non-relation operation")
}

// OperationSet is an ordered batch of uncommitted field mutations for one
// entity, one entry per field. Field order is insertion order.
type OperationSet struct {
	order []string
	ops   map[string]FieldOp
}

// NewOperationSet returns an empty operation set.
func NewOperationSet() *OperationSet {
	return &OperationSet{ops: make(map[string]FieldOp)}
}

// Put records op for field, folding it into any op already queued for
// that field.
func (s *OperationSet) Put(field string, op FieldOp) error {
	prev, exists := s.ops[field]
	if exists {
		merged, err := op.MergeWithPrevious(prev)
		if err != nil {
			return err
		}
		s.ops[field] = merged
		return nil
	}
	s.order = append(s.order, field)
	s.ops[field] = op
	return nil
}

// Get returns the pending op for field, if any.
func (s *OperationSet) Get(field string) (FieldOp, bool) {
	op, ok := s.ops[field]
	return op, ok
}

// Fields returns the mutated field names in insertion order.
func (s *OperationSet) Fields() []string {
	return append([]string{}, s.order...)
}

// Len returns the number of fields with pending operations.
func (s *OperationSet) Len() int {
	return len(s.ops)
}

// MergeFrom folds next into s, as if next's operations were applied after
// s's. Applying s then next is equivalent to applying the merged set once.
func (s *OperationSet) MergeFrom(next *OperationSet) error {
	for _, field := range next.order {
		if err := s.Put(field, next.ops[field]); err != nil {
			return err
		}
	}
	return nil
}

// asList coerces a field value to a list, treating absence as empty.
func asList(old any, present bool) ([]any, error) {
	if !present || old == nil {
		return nil, nil
	}
	list, ok := old.([]any)
	if !ok {
		return nil, errors.NewProgrammer("list operation on a non-list field")
	}
	return list, nil
}

func listContains(list []any, v any) bool {
	for _, existing := range list {
		if ValueEquals(existing, v) {
			return true
		}
	}
	return false
}

func stringSliceContains(list []string, s string) bool {
	for _, existing := range list {
		if existing == s {
			return true
		}
	}
	return false
}
