// Package mapper buckets map coordinates into H3 cells.
package mapper

import "github.com/paulmach/orb"

type Interface interface {
	// Cell returns the cell containing p at res.
	Cell(p orb.Point, res int) (string, error)
	// Center returns the centroid of cell.
	Center(cell string) (orb.Point, error)
	ToParent(cell string, parentRes int) (string, error)
}
