package finalize

import (
	"fmt"
	"os"
)

// createExclusive creates the assembled file, truncating any stale partial
// assembly left behind by a crashed attempt — assembly always restarts from
// chunk zero since it is idempotent given the chunks are still on disk.
func createExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("finalize: create assembled file %s: %w", path, err)
	}
	return f, nil
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("finalize: open assembled file %s: %w", path, err)
	}
	return f, nil
}
