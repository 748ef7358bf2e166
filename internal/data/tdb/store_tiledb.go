//go:build tiledb

package tdb

import (
	"fmt"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Store reads BOLD time series from a TileDB dense array with integer
// dimensions x, y, z, t and a float32 attribute "bold".
type Store struct {
	arrayURI string
	ctx      *tiledb.Context
	dims     [4]int
}

// NewStore opens a TileDB BOLD store and caches the array extents.
func NewStore(path string) (*Store, error) {
	uri, err := ResolveArrayURI(path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("tiledb array not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	s := &Store{arrayURI: uri, ctx: ctx}
	if err := s.loadDims(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Supported() bool { return true }

func (s *Store) ArrayURI() string { return s.arrayURI }

// Dims returns the array extents (x, y, z, t).
func (s *Store) Dims() ([4]int, error) { return s.dims, nil }

func (s *Store) loadDims() error {
	arr, err := tiledb.NewArray(s.ctx, s.arrayURI)
	if err != nil {
		return fmt.Errorf("failed to open bold array (%s): %w", s.arrayURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open bold array for read: %w", err)
	}
	defer arr.Close()

	names := [4]string{"x", "y", "z", "t"}
	for i, name := range names {
		ned, isEmpty, err := arr.NonEmptyDomainFromName(name)
		if err != nil {
			return fmt.Errorf("failed to get non-empty domain for %s: %w", name, err)
		}
		if isEmpty || ned == nil {
			return fmt.Errorf("bold array has empty domain for %s", name)
		}
		bounds, ok := ned.Bounds.([]int32)
		if !ok || len(bounds) != 2 {
			return fmt.Errorf("unexpected domain type for %s", name)
		}
		s.dims[i] = int(bounds[1]-bounds[0]) + 1
	}
	return nil
}

// TimeSeries reads the full signal at one voxel.
func (s *Store) TimeSeries(x, y, z int) ([]float64, error) {
	arr, err := tiledb.NewArray(s.ctx, s.arrayURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open bold array (%s): %w", s.arrayURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open bold array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	nt := s.dims[3]
	if err := sub.AddRangeByName("x", tiledb.MakeRange[int32](int32(x), int32(x))); err != nil {
		return nil, fmt.Errorf("failed to add x range: %w", err)
	}
	if err := sub.AddRangeByName("y", tiledb.MakeRange[int32](int32(y), int32(y))); err != nil {
		return nil, fmt.Errorf("failed to add y range: %w", err)
	}
	if err := sub.AddRangeByName("z", tiledb.MakeRange[int32](int32(z), int32(z))); err != nil {
		return nil, fmt.Errorf("failed to add z range: %w", err)
	}
	if err := sub.AddRangeByName("t", tiledb.MakeRange[int32](0, int32(nt-1))); err != nil {
		return nil, fmt.Errorf("failed to add t range: %w", err)
	}

	q, err := tiledb.NewQuery(s.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_ROW_MAJOR)

	out := make([]float32, nt)
	if _, err := q.SetDataBuffer("bold", out); err != nil {
		return nil, fmt.Errorf("failed to set bold buffer: %w", err)
	}

	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("query status failed: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("unexpected query status: %v", status)
	}

	series := make([]float64, nt)
	for i, v := range out {
		series[i] = float64(v)
	}
	return series, nil
}

// Close releases the TileDB context.
func (s *Store) Close() error {
	if s.ctx != nil {
		s.ctx.Free()
	}
	return nil
}
