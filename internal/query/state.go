// Package query evaluates declarative queries against locally stored
// objects, without contacting the network.
package query

import (
	"github.com/driftlock/driftlock/internal/entity"
)

// Operator identifies one constraint kind.
type Operator string

const (
	OpEqual         Operator = "eq"
	OpNotEqual      Operator = "ne"
	OpLessThan      Operator = "lt"
	OpLessEqual     Operator = "lte"
	OpGreaterThan   Operator = "gt"
	OpGreaterEqual  Operator = "gte"
	OpIn            Operator = "in"        // value is []any
	OpNotIn         Operator = "nin"       // value is []any
	OpAll           Operator = "all"       // list field contains every value, []any
	OpExists        Operator = "exists"    // value is bool
	OpRegex         Operator = "regex"     // value is a pattern string
	OpWithinBox     Operator = "box"       // value is Box
	OpWithinPolygon Operator = "polygon"   // value is entity.Polygon
	OpNearSphere    Operator = "near"      // value is Near
	OpRelatedTo     Operator = "relatedTo" // value is *State, field must be a relation
)

// Condition is one constraint applied to a field.
type Condition struct {
	Op    Operator
	Value any
}

// Box is a rectangular geo region: southwest and northeast corners.
type Box struct {
	Southwest entity.GeoPoint
	Northeast entity.GeoPoint
}

// Near constrains a geo point field to lie within MaxDistanceKm of Origin.
type Near struct {
	Origin        entity.GeoPoint
	MaxDistanceKm float64
}

// SortKey orders results by one field.
type SortKey struct {
	Field      string
	Descending bool
}

// State is a fully described query: which class, which constraints, how
// to order, and how to slice the result.
type State struct {
	ClassName   string
	Constraints map[string][]Condition
	Sort        []SortKey
	Skip        int
	Limit       int // 0 means no limit
	Keys        []string // selected-keys projection; empty means all
}

// NewState returns an empty query over className.
func NewState(className string) *State {
	return &State{
		ClassName:   className,
		Constraints: make(map[string][]Condition),
	}
}

// Where appends a condition on field.
func (s *State) Where(field string, op Operator, value any) *State {
	s.Constraints[field] = append(s.Constraints[field], Condition{Op: op, Value: value})
	return s
}

// OrderBy appends a sort key.
func (s *State) OrderBy(field string, descending bool) *State {
	s.Sort = append(s.Sort, SortKey{Field: field, Descending: descending})
	return s
}
