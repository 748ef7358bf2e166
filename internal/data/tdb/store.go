// Package tdb provides optional, read-only access to BOLD volumes kept
// in a TileDB dense array (dims x, y, z, t; attribute "bold").
//
// TileDB support needs the native library, so it is gated behind
// "-tags tiledb"; the default build carries a stub whose read methods
// return ErrUnsupported. Config issues are still caught early either
// way: both constructors validate the array path.
package tdb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported indicates this binary was built without TileDB support.
var ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")

// ResolveArrayURI accepts either the array directory itself or its
// parent and returns the array path.
func ResolveArrayURI(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", errors.New("empty tiledb path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".tdb") {
		return p, nil
	}
	return filepath.Join(p, "bold.tdb"), nil
}
