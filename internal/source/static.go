package source

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Static serves log bodies from memory, keyed by path. Used by tests and the
// local replay tool.
type Static map[string]string

func (s Static) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	body, ok := s[path]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", path)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}
