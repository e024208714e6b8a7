package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Choapinus/ape/internal/apeerr"
	"github.com/Choapinus/ape/internal/models"
)

// ResourceHandler serves a resource read for a URI that matched its
// adapter's pattern.
type ResourceHandler func(ctx context.Context, uri string) (any, error)

type resourceEntry struct {
	pattern string
	spec    models.ResourceSpec
	handler ResourceHandler
}

// ResourceTable dispatches resources/read calls to the first
// registered adapter whose URI pattern matches, per spec.md §6.3.
type ResourceTable struct {
	mu      sync.RWMutex
	entries []*resourceEntry
}

func NewResourceTable() *ResourceTable {
	return &ResourceTable{}
}

// Register adds a resource adapter. pattern uses "*" to match exactly
// one path segment between slashes and is matched against the URI
// stripped of any query string, e.g. "conversation://*" matches
// "conversation://sess-1" but not "conversation://sess-1/extra".
func (t *ResourceTable) Register(spec models.ResourceSpec, pattern string, handler ResourceHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, &resourceEntry{pattern: pattern, spec: spec, handler: handler})
}

// List returns every registered adapter's spec, sorted by URI pattern.
func (t *ResourceTable) List() []models.ResourceSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.ResourceSpec, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Read dispatches uri to the first matching adapter.
func (t *ResourceTable) Read(ctx context.Context, uri string) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	path := uri
	if idx := strings.IndexByte(uri, '?'); idx != -1 {
		path = uri[:idx]
	}

	for _, e := range t.entries {
		if matchURIPattern(e.pattern, path) {
			return e.handler(ctx, uri)
		}
	}
	return nil, apeerr.ValidationErr("resource", fmt.Sprintf("no resource adapter matches uri %q", uri))
}

// matchURIPattern compares pattern and path segment by segment, with
// "*" matching exactly one segment.
func matchURIPattern(pattern, path string) bool {
	pSegs := strings.Split(pattern, "/")
	uSegs := strings.Split(path, "/")
	if len(pSegs) != len(uSegs) {
		return false
	}
	for i, seg := range pSegs {
		if seg == "*" {
			continue
		}
		if seg != uSegs[i] {
			return false
		}
	}
	return true
}
