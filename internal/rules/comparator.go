// Package rules implements handler matching: a registry of handler
// descriptors, each gated by its handler type and a set of field
// comparators evaluated against an incoming event's body and its routing
// "extra" attributes.
package rules

import (
	"fmt"
	"reflect"
	"regexp"
)

// Op is a comparator kind, serialized as the "op" tag of a filter so
// handler descriptors can be expressed in YAML/JSON config.
type Op string

const (
	OpEq Op = "eq" // actual == value
	OpNe Op = "ne" // actual != value
	OpIn Op = "in" // actual is a member of value (a slice)
	OpRe Op = "re" // actual (as a string) matches the value regexp
)

// Comparator is one field filter: given the actual value found at a field
// name, Compare reports whether it satisfies the filter.
type Comparator struct {
	Op    Op
	Value interface{}
}

// Eq/Ne/In/Re construct the four built-in comparator variants.
func Eq(v interface{}) Comparator    { return Comparator{Op: OpEq, Value: v} }
func Ne(v interface{}) Comparator    { return Comparator{Op: OpNe, Value: v} }
func In(v ...interface{}) Comparator { return Comparator{Op: OpIn, Value: v} }
func Re(pattern string) Comparator   { return Comparator{Op: OpRe, Value: pattern} }

// ComparisonError reports a filter that could not be evaluated against the
// actual value it was given (e.g. a regexp op against a non-string).
type ComparisonError struct {
	Op     Op
	Actual interface{}
	Reason string
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("rules: cannot apply %q comparator to %#v: %s", e.Op, e.Actual, e.Reason)
}

// Compare evaluates the comparator against actual. A field absent from the
// event (actual == nil, ok == false at the call site) never reaches here:
// the caller treats a missing field as a non-match before calling Compare.
func (c Comparator) Compare(actual interface{}) (bool, error) {
	switch c.Op {
	case OpEq:
		return reflect.DeepEqual(actual, c.Value), nil
	case OpNe:
		return !reflect.DeepEqual(actual, c.Value), nil
	case OpIn:
		values, ok := c.Value.([]interface{})
		if !ok {
			return false, &ComparisonError{Op: c.Op, Actual: actual, Reason: "filter value is not a list"}
		}
		for _, v := range values {
			if reflect.DeepEqual(actual, v) {
				return true, nil
			}
		}
		return false, nil
	case OpRe:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, &ComparisonError{Op: c.Op, Actual: actual, Reason: "filter value is not a string pattern"}
		}
		s, ok := actual.(string)
		if !ok {
			return false, &ComparisonError{Op: c.Op, Actual: actual, Reason: "actual value is not a string"}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &ComparisonError{Op: c.Op, Actual: actual, Reason: err.Error()}
		}
		return re.MatchString(s), nil
	default:
		return false, &ComparisonError{Op: c.Op, Actual: actual, Reason: "unknown comparator"}
	}
}
