//go:build !tiledb

package tdb

import (
	"fmt"
	"os"
)

// Store is a stub when built without "-tags tiledb". It validates the
// array path so configuration mistakes surface at startup, but all read
// methods return ErrUnsupported.
type Store struct {
	arrayURI string
}

// NewStore opens a TileDB BOLD store (stub).
func NewStore(path string) (*Store, error) {
	uri, err := ResolveArrayURI(path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("tiledb array not found at %s: %w", uri, statErr)
	}
	return &Store{arrayURI: uri}, nil
}

func (s *Store) Supported() bool { return false }

func (s *Store) ArrayURI() string { return s.arrayURI }

// Dims returns the array extents (x, y, z, t).
func (s *Store) Dims() ([4]int, error) {
	return [4]int{}, ErrUnsupported
}

// TimeSeries reads the full signal at one voxel.
func (s *Store) TimeSeries(x, y, z int) ([]float64, error) {
	return nil, ErrUnsupported
}

// Close releases native resources (none in the stub).
func (s *Store) Close() error { return nil }
