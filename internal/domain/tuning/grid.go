package tuning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
)

// Axis is one named hyperparameter with its candidate values.
type Axis struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Grid is an ordered set of axes. Order fixes enumeration order.
type Grid []Axis

// Size returns the number of candidates in the Cartesian product.
func (g Grid) Size() int {
	n := 1
	for _, a := range g {
		n *= len(a.Values)
	}
	return n
}

// Candidates enumerates the Cartesian product by backtracking. The last axis
// varies fastest.
func (g Grid) Candidates() []model.Parameters {
	out := make([]model.Parameters, 0, g.Size())
	current := make(model.Parameters, len(g))
	var walk func(depth int)
	walk = func(depth int) {
		if depth == len(g) {
			out = append(out, current.Clone())
			return
		}
		axis := g[depth]
		for _, v := range axis.Values {
			current[axis.Name] = v
			walk(depth + 1)
		}
		delete(current, axis.Name)
	}
	walk(0)
	return out
}

// ParseGrid reads "Name=v1,v2;Other=v3" into a Grid, keeping axis order.
func ParseGrid(s string) (Grid, error) {
	var g Grid
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, list, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("axis %q: %w", part, ErrInvalidGrid)
		}
		axis := Axis{Name: name}
		for _, raw := range strings.Split(list, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("axis %s value %q: %w", name, raw, ErrInvalidGrid)
			}
			axis.Values = append(axis.Values, v)
		}
		g = append(g, axis)
	}
	if len(g) == 0 {
		return nil, ErrEmptyGrid
	}
	return g, nil
}

// DefaultGrid returns a small search space for kind.
func DefaultGrid(kind forecast.Kind) Grid {
	switch kind {
	case forecast.KindHolt:
		return Grid{
			{Name: "Alpha", Values: []float64{0.2, 0.5, 0.8}},
			{Name: "Beta", Values: []float64{0.1, 0.3}},
		}
	case forecast.KindEnsemble:
		return Grid{
			{Name: "Weight0", Values: []float64{1, 2}},
			{Name: "Weight1", Values: []float64{1, 2}},
		}
	default:
		return Grid{
			{Name: "WindowSize", Values: []float64{5, 7, 14}},
			{Name: "NumComponents", Values: []float64{2, 3}},
		}
	}
}
