// File path: internal/publication/candidates.go
package publication

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

// ErrNotCandidate is returned when a publish request names an asset that has
// no pending change on the branch.
var ErrNotCandidate = errors.New("asset is not a publication candidate")

// Operation classifies what publishing a candidate does to the official row.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationModify Operation = "MODIFY"
	OperationDelete Operation = "DELETE"
)

// Candidate is one pending draft row eligible for publication, together with
// the draft asset itself so later stages need not refetch it.
type Candidate struct {
	Ref       layout.Ref        `json:"ref"`
	Name      string            `json:"name"`
	Operation Operation         `json:"operation"`
	Version   layout.RowVersion `json:"version"`
	Asset     layout.Asset      `json:"asset"`
}

// Candidates is the full pending change set of a branch, in publication
// order: parents before dependents, ids ascending within a kind.
type Candidates struct {
	Branch layout.Branch `json:"branch"`
	All    []Candidate   `json:"all"`
}

// Find returns the candidate for the ref, or nil.
func (c Candidates) Find(ref layout.Ref) *Candidate {
	for i := range c.All {
		if c.All[i].Ref == ref {
			return &c.All[i]
		}
	}
	return nil
}

// Refs lists every candidate ref in publication order.
func (c Candidates) Refs() []layout.Ref {
	refs := make([]layout.Ref, 0, len(c.All))
	for _, cand := range c.All {
		refs = append(refs, cand.Ref)
	}
	return refs
}

// ofKind returns the candidates of one asset kind.
func (c Candidates) ofKind(kind layout.AssetKind) []Candidate {
	var out []Candidate
	for _, cand := range c.All {
		if cand.Ref.Kind == kind {
			out = append(out, cand)
		}
	}
	return out
}

// CollectCandidates walks every draft row on the branch and classifies it
// against the official state visible from the branch.
func CollectCandidates(ctx context.Context, st store.Store, branch layout.Branch) (Candidates, error) {
	result := Candidates{Branch: branch}
	draftCtx := layout.Draft(branch)
	officialCtx := layout.Official(branch)
	for _, kind := range layout.AssetKinds() {
		drafts, err := st.ListExact(ctx, kind, draftCtx)
		if err != nil {
			return Candidates{}, fmt.Errorf("collect %s candidates on %s: %w", kind, branch, err)
		}
		sort.Slice(drafts, func(i, j int) bool { return drafts[i].AssetID() < drafts[j].AssetID() })
		for _, draft := range drafts {
			version, err := st.FetchVersion(ctx, kind, draft.AssetID(), draftCtx)
			if err != nil {
				return Candidates{}, fmt.Errorf("candidate version %s/%s: %w", kind, draft.AssetID(), err)
			}
			if version == nil {
				continue
			}
			official, err := st.Fetch(ctx, kind, draft.AssetID(), officialCtx)
			if err != nil {
				return Candidates{}, fmt.Errorf("candidate official %s/%s: %w", kind, draft.AssetID(), err)
			}
			op := OperationModify
			switch {
			case draft.AssetState().Deleted():
				op = OperationDelete
			case official == nil:
				op = OperationCreate
			}
			result.All = append(result.All, Candidate{
				Ref:       layout.Ref{Kind: kind, ID: draft.AssetID()},
				Name:      draft.AssetName(),
				Operation: op,
				Version:   *version,
				Asset:     draft,
			})
		}
	}
	return result, nil
}
