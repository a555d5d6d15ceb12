package codec

import (
	"fmt"
	"math"
)

// Expr is an integer expression over the fields of a record. Expressions
// are resolved while a structure is encoded or decoded, so they always see
// the current values of the fields they reference.
type Expr struct {
	refs []string
	eval func(*state) (int, error)
}

// Const evaluates to n.
func Const(n int) Expr {
	return Expr{eval: func(*state) (int, error) { return n, nil }}
}

// Len evaluates to the encoded byte length of field.
func Len(field string) Expr {
	return Expr{
		refs: []string{field},
		eval: func(s *state) (int, error) { return s.length(field) },
	}
}

// Value evaluates to the integer value of field.
func Value(field string) Expr {
	return Expr{
		refs: []string{field},
		eval: func(s *state) (int, error) { return s.value(field) },
	}
}

// Sum adds all expressions.
func Sum(exprs ...Expr) Expr {
	var refs []string
	for _, e := range exprs {
		refs = append(refs, e.refs...)
	}
	return Expr{
		refs: refs,
		eval: func(s *state) (int, error) {
			total := 0
			for _, e := range exprs {
				n, err := e.eval(s)
				if err != nil {
					return 0, err
				}
				total += n
			}
			return total, nil
		},
	}
}

// Diff evaluates to a - b.
func Diff(a, b Expr) Expr {
	return Expr{
		refs: append(append([]string{}, a.refs...), b.refs...),
		eval: func(s *state) (int, error) {
			x, err := a.eval(s)
			if err != nil {
				return 0, err
			}
			y, err := b.eval(s)
			if err != nil {
				return 0, err
			}
			return x - y, nil
		},
	}
}

// Map applies fn to the result of e.
func Map(e Expr, fn func(int) int) Expr {
	return Expr{
		refs: e.refs,
		eval: func(s *state) (int, error) {
			n, err := e.eval(s)
			if err != nil {
				return 0, err
			}
			return fn(n), nil
		},
	}
}

func (e Expr) Plus(n int) Expr {
	return Map(e, func(v int) int { return v + n })
}

func (e Expr) Minus(n int) Expr {
	return Map(e, func(v int) int { return v - n })
}

func (e Expr) Times(n int) Expr {
	return Map(e, func(v int) int { return v * n })
}

func (e Expr) defined() bool {
	return e.eval != nil
}

// state is the value table expressions are resolved against.
type state struct {
	rec  Record
	lens map[string]int
}

func (s *state) length(name string) (int, error) {
	if n, ok := s.lens[name]; ok {
		return n, nil
	}
	switch v := s.rec[name].(type) {
	case nil:
		return 0, fmt.Errorf("field %q has no value", name)
	case []byte:
		return len(v), nil
	case string:
		return len(encodeUTF16(v)), nil
	default:
		return 0, fmt.Errorf("cannot take length of %q (%T)", name, v)
	}
}

func (s *state) value(name string) (int, error) {
	v, err := s.uint(name)
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt {
		return 0, fmt.Errorf("field %q value %d overflows int", name, v)
	}
	return int(v), nil
}

func (s *state) uint(name string) (uint64, error) {
	switch v := s.rec[name].(type) {
	case nil:
		return 0, fmt.Errorf("field %q has no value", name)
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case uint:
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("field %q is negative", name)
		}
		return uint64(v), nil
	case int32:
		if v < 0 {
			return 0, fmt.Errorf("field %q is negative", name)
		}
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("field %q is negative", name)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("field %q is not an integer (%T)", name, v)
	}
}
