// Package pricing implements the PMI and Title query-time pricing engines.
package pricing

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// PredicateKind enumerates the tagged adjustment-condition predicate shapes.
// Parsed once at card-load time from the open-ended JSON condition object,
// per spec.md §9's "dynamic JSON adjustment conditions" note: unknown
// suffixes are rejected at load time, not at quote time.
type PredicateKind string

const (
	PredMin PredicateKind = "min"
	PredMax PredicateKind = "max"
	PredEq  PredicateKind = "eq"
	PredIn  PredicateKind = "in"
)

// Predicate is one field/value/kind test evaluated against a request's
// field map at quote time.
type Predicate struct {
	Field string
	Kind  PredicateKind
	Num   decimal.Decimal
	Str   string
	List  []string
}

// ParseCondition parses a raw JSON condition object into a predicate list.
// Keys use suffixes: "*_min"/"*_max" for numeric range, "*_eq" for exact
// match, "*_in" for list membership. All predicates must hold (AND) for the
// adjustment to apply. An unrecognized suffix is a load-time error.
func ParseCondition(raw map[string]any) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(raw))
	for key, val := range raw {
		switch {
		case strings.HasSuffix(key, "_min"):
			n, err := toDecimal(val)
			if err != nil {
				return nil, eris.Wrapf(err, "pricing: condition %q", key)
			}
			preds = append(preds, Predicate{Field: strings.TrimSuffix(key, "_min"), Kind: PredMin, Num: n})
		case strings.HasSuffix(key, "_max"):
			n, err := toDecimal(val)
			if err != nil {
				return nil, eris.Wrapf(err, "pricing: condition %q", key)
			}
			preds = append(preds, Predicate{Field: strings.TrimSuffix(key, "_max"), Kind: PredMax, Num: n})
		case strings.HasSuffix(key, "_eq"):
			preds = append(preds, Predicate{Field: strings.TrimSuffix(key, "_eq"), Kind: PredEq, Str: fmt.Sprintf("%v", val)})
		case strings.HasSuffix(key, "_in"):
			list, err := toStringList(val)
			if err != nil {
				return nil, eris.Wrapf(err, "pricing: condition %q", key)
			}
			preds = append(preds, Predicate{Field: strings.TrimSuffix(key, "_in"), Kind: PredIn, List: list})
		default:
			return nil, eris.Errorf("pricing: condition key %q has no recognized suffix (_min/_max/_eq/_in)", key)
		}
	}
	return preds, nil
}

// EvalAll reports whether every predicate holds against fields (AND).
func EvalAll(preds []Predicate, fields map[string]any) bool {
	for _, p := range preds {
		if !p.eval(fields) {
			return false
		}
	}
	return true
}

func (p Predicate) eval(fields map[string]any) bool {
	v, ok := fields[p.Field]
	if !ok {
		return false
	}
	switch p.Kind {
	case PredMin:
		n, err := toDecimal(v)
		if err != nil {
			return false
		}
		return n.GreaterThanOrEqual(p.Num)
	case PredMax:
		n, err := toDecimal(v)
		if err != nil {
			return false
		}
		return n.LessThanOrEqual(p.Num)
	case PredEq:
		return fmt.Sprintf("%v", v) == p.Str
	case PredIn:
		s := fmt.Sprintf("%v", v)
		for _, item := range p.List {
			if item == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case string:
		return decimal.NewFromString(t)
	default:
		return decimal.Decimal{}, eris.Errorf("pricing: cannot convert %T to decimal", v)
	}
}

func toStringList(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = fmt.Sprintf("%v", item)
		}
		return out, nil
	case string:
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	default:
		return nil, eris.Errorf("pricing: cannot convert %T to string list", v)
	}
}
