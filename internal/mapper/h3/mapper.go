package h3mapper

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// Cell maps an orb point (lon, lat in degrees) to its cell at res.
func (m *Mapper) Cell(p orb.Point, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	lat, lng := p.Lat(), p.Lon()
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 {
		return "", fmt.Errorf("invalid coordinate lat=%v lng=%v", lat, lng)
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

func (m *Mapper) Center(cell string) (orb.Point, error) {
	c, err := parse(cell)
	if err != nil {
		return orb.Point{}, err
	}
	ll, err := c.LatLng()
	if err != nil {
		return orb.Point{}, fmt.Errorf("h3 center: %w", err)
	}
	return orb.Point{ll.Lng, ll.Lat}, nil
}

func (m *Mapper) ToParent(cell string, parentRes int) (string, error) {
	if err := validateRes(parentRes); err != nil {
		return "", err
	}
	c, err := parse(cell)
	if err != nil {
		return "", err
	}
	curRes := c.Resolution()
	if parentRes > curRes {
		return "", fmt.Errorf("parentRes %d must be <= cell resolution %d", parentRes, curRes)
	}
	if parentRes == curRes {
		return cell, nil
	}
	p, err := c.Parent(parentRes)
	if err != nil {
		return "", fmt.Errorf("h3 parent: %w", err)
	}
	return p.String(), nil
}

func parse(cell string) (h3.Cell, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return 0, fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return 0, fmt.Errorf("invalid h3 cell %q", cell)
	}
	return c, nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("h3 resolution %d out of range [0,15]", res)
	}
	return nil
}
