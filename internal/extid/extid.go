// File path: internal/extid/extid.go
package extid

import (
	"context"
	"fmt"
	"sync"

	"github.com/railforge/tracklayout/internal/layout"
)

// Provider issues external identifiers for assets at their first official
// publication. Assigning twice for the same asset must return the same Oid.
type Provider interface {
	AssignOid(ctx context.Context, kind layout.AssetKind, id layout.AssetID) (layout.Oid, error)
}

type noopProvider struct{}

// NoopProvider returns a Provider that never issues identifiers. Useful where
// publications must proceed without a registry connection.
func NoopProvider() Provider { return noopProvider{} }

func (noopProvider) AssignOid(context.Context, layout.AssetKind, layout.AssetID) (layout.Oid, error) {
	return "", nil
}

// FakeProvider issues deterministic identifiers from a local sequence,
// remembering every assignment. It stands in for the external registry in
// tests and offline deployments.
type FakeProvider struct {
	mu       sync.Mutex
	root     string
	seq      int
	assigned map[layout.Ref]layout.Oid
}

// NewFakeProvider builds a FakeProvider issuing identifiers under the given
// numbering root, e.g. "1.2.246.578.3".
func NewFakeProvider(root string) *FakeProvider {
	if root == "" {
		root = "1.2.246.578.3"
	}
	return &FakeProvider{root: root, assigned: make(map[layout.Ref]layout.Oid)}
}

func (f *FakeProvider) AssignOid(_ context.Context, kind layout.AssetKind, id layout.AssetID) (layout.Oid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := layout.Ref{Kind: kind, ID: id}
	if oid, ok := f.assigned[ref]; ok {
		return oid, nil
	}
	f.seq++
	oid := layout.Oid(fmt.Sprintf("%s.%d", f.root, f.seq))
	f.assigned[ref] = oid
	return oid, nil
}

// Assigned returns the identifier already issued for the asset, if any.
func (f *FakeProvider) Assigned(kind layout.AssetKind, id layout.AssetID) (layout.Oid, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	oid, ok := f.assigned[layout.Ref{Kind: kind, ID: id}]
	return oid, ok
}

var _ Provider = (*FakeProvider)(nil)
