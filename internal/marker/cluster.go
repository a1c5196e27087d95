package marker

import (
	"fmt"
	"math"
	"slices"

	"github.com/paulmach/orb"

	"github.com/lifemapper/mapfront/internal/mapper"
)

const (
	clusterMaxCount = 200
	clusterMinHue   = 10
	clusterMaxHue   = 90
)

type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// Bucket is one cluster: the pins falling into a single H3 cell.
type Bucket struct {
	Cell    string    `json:"cell"`
	Center  orb.Point `json:"center"`
	Count   int       `json:"count"`
	Hue     int       `json:"hue"`
	Size    SizeClass `json:"size"`
	Indexes []int     `json:"indexes"`
}

// Hue shades a cluster from green towards red as it fills up to 200 pins.
func Hue(count int) int {
	v := float64(count)/clusterMaxCount*(clusterMinHue-clusterMaxHue) + clusterMaxHue
	return max(0, int(math.Floor(v+0.5)))
}

func Size(count int) SizeClass {
	switch {
	case count < 10:
		return SizeSmall
	case count < 100:
		return SizeMedium
	default:
		return SizeLarge
	}
}

// Cluster buckets the pins of groups by cell at res. Buckets are ordered by
// cell id.
func Cluster(m mapper.Interface, groups []Groups, res int) ([]Bucket, error) {
	byCell := map[string]*Bucket{}
	for _, g := range groups {
		for _, p := range g.Points() {
			cell, err := m.Cell(p.Point, res)
			if err != nil {
				return nil, fmt.Errorf("cluster point %d: %w", p.Index(), err)
			}
			b, ok := byCell[cell]
			if !ok {
				b = &Bucket{Cell: cell}
				byCell[cell] = b
			}
			b.Count++
			b.Indexes = append(b.Indexes, p.Index())
		}
	}
	return finish(m, byCell)
}

// Coarsen merges buckets into their parents at a coarser resolution.
func Coarsen(m mapper.Interface, buckets []Bucket, res int) ([]Bucket, error) {
	byCell := map[string]*Bucket{}
	for _, b := range buckets {
		parent, err := m.ToParent(b.Cell, res)
		if err != nil {
			return nil, fmt.Errorf("coarsen %s: %w", b.Cell, err)
		}
		nb, ok := byCell[parent]
		if !ok {
			nb = &Bucket{Cell: parent}
			byCell[parent] = nb
		}
		nb.Count += b.Count
		nb.Indexes = append(nb.Indexes, b.Indexes...)
	}
	return finish(m, byCell)
}

func finish(m mapper.Interface, byCell map[string]*Bucket) ([]Bucket, error) {
	out := make([]Bucket, 0, len(byCell))
	for cell, b := range byCell {
		c, err := m.Center(cell)
		if err != nil {
			return nil, err
		}
		b.Center = c
		b.Hue = Hue(b.Count)
		b.Size = Size(b.Count)
		slices.Sort(b.Indexes)
		b.Indexes = slices.Compact(b.Indexes)
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b Bucket) int {
		switch {
		case a.Cell < b.Cell:
			return -1
		case a.Cell > b.Cell:
			return 1
		}
		return 0
	})
	return out, nil
}
