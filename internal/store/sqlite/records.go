// File path: internal/store/sqlite/records.go
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

// SavePublication appends an immutable publication record.
func (s *Store) SavePublication(ctx context.Context, pub store.Publication) error {
	return s.savePublicationOn(ctx, s.db, pub)
}

func (s *Store) savePublicationOn(ctx context.Context, db execer, pub store.Publication) error {
	payload, err := json.Marshal(pub)
	if err != nil {
		return fmt.Errorf("encode publication %s: %w", pub.ID, err)
	}
	var parent any
	if pub.ParentID != "" {
		parent = pub.ParentID
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO publications (id, branch, message, cause, published_at, parent_id, payload, seq)
                 VALUES (?, ?, ?, ?, ?, ?, ?,
                         (SELECT COALESCE(MAX(seq), 0) + 1 FROM publications))`,
		pub.ID, pub.Branch.String(), pub.Message, string(pub.Cause),
		pub.PublishedAt.UnixNano(), parent, string(payload))
	if err != nil {
		return fmt.Errorf("save publication %s: %w", pub.ID, err)
	}
	return nil
}

// CommitPublication promotes the unit's drafts, writes the publication record
// and marks the named splits done in a single transaction. The publication's
// row versions are filled from the promotion.
func (s *Store) CommitPublication(ctx context.Context, refs []layout.Ref, pub store.Publication, splitIDs []string) (store.Publication, error) {
	if pub.ID == "" {
		return store.Publication{}, fmt.Errorf("commit publication: empty id")
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return store.Publication{}, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	versions, err := s.promoteTx(ctx, tx, pub.Branch, refs, pub.PublishedAt)
	if err != nil {
		return store.Publication{}, fmt.Errorf("commit publication %s: %w", pub.ID, err)
	}
	pub.Versions = versions
	if err := s.savePublicationOn(ctx, tx, pub); err != nil {
		return store.Publication{}, err
	}
	for _, id := range splitIDs {
		if err := s.markSplitDoneTx(ctx, tx, id); err != nil {
			return store.Publication{}, fmt.Errorf("commit publication %s: %w", pub.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Publication{}, fmt.Errorf("commit publication %s: %w", pub.ID, err)
	}
	return pub, nil
}

// markSplitDoneTx rewrites both the done column and the payload copy of the
// flag, keeping payload-driven reads consistent.
func (s *Store) markSplitDoneTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	var payload string
	err := tx.GetContext(ctx, &payload, `SELECT payload FROM splits WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("split %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load split %s: %w", id, err)
	}
	var split store.Split
	if err := json.Unmarshal([]byte(payload), &split); err != nil {
		return fmt.Errorf("decode split %s: %w", id, err)
	}
	split.Done = true
	updated, err := json.Marshal(split)
	if err != nil {
		return fmt.Errorf("encode split %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE splits SET done = 1, payload = ? WHERE id = ?`, string(updated), id)
	if err != nil {
		return fmt.Errorf("finish split %s: %w", id, err)
	}
	return nil
}

// Publication returns the record with the given id, wrapping store.ErrNotFound
// when absent.
func (s *Store) Publication(ctx context.Context, id string) (*store.Publication, error) {
	var rec struct {
		Payload  string         `db:"payload"`
		ParentID sql.NullString `db:"parent_id"`
	}
	err := s.db.GetContext(ctx, &rec,
		`SELECT payload, parent_id FROM publications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("publication %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch publication %s: %w", id, err)
	}
	pub, err := decodePublication(rec.Payload, rec.ParentID)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// ListPublications returns the branch's publications in commit order.
func (s *Store) ListPublications(ctx context.Context, branch layout.Branch) ([]store.Publication, error) {
	var recs []struct {
		Payload  string         `db:"payload"`
		ParentID sql.NullString `db:"parent_id"`
	}
	err := s.db.SelectContext(ctx, &recs,
		`SELECT payload, parent_id FROM publications WHERE branch = ? ORDER BY seq`,
		branch.String())
	if err != nil {
		return nil, fmt.Errorf("list publications on %s: %w", branch, err)
	}
	out := make([]store.Publication, 0, len(recs))
	for _, rec := range recs {
		pub, err := decodePublication(rec.Payload, rec.ParentID)
		if err != nil {
			return nil, err
		}
		out = append(out, *pub)
	}
	return out, nil
}

// SetParentPublication links an inherited design publication to the main
// publication created by its merge.
func (s *Store) SetParentPublication(ctx context.Context, id, parentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publications SET parent_id = ? WHERE id = ?`, parentID, id)
	if err != nil {
		return fmt.Errorf("set parent of publication %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set parent of publication %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("publication %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// The parent_id column is authoritative: SetParentPublication updates it
// without rewriting the payload, so reads override the decoded value.
func decodePublication(payload string, parent sql.NullString) (*store.Publication, error) {
	var pub store.Publication
	if err := json.Unmarshal([]byte(payload), &pub); err != nil {
		return nil, fmt.Errorf("decode publication: %w", err)
	}
	if parent.Valid {
		pub.ParentID = parent.String
	}
	return &pub, nil
}

// SaveSplit inserts or replaces a split record.
func (s *Store) SaveSplit(ctx context.Context, split store.Split) error {
	payload, err := json.Marshal(split)
	if err != nil {
		return fmt.Errorf("encode split %s: %w", split.ID, err)
	}
	done := 0
	if split.Done {
		done = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO splits (id, branch, source_track, done, created_at, payload)
                 VALUES (?, ?, ?, ?, ?, ?)
                 ON CONFLICT(id) DO UPDATE SET
                         branch = excluded.branch,
                         source_track = excluded.source_track,
                         done = excluded.done,
                         payload = excluded.payload`,
		split.ID, split.Branch.String(), string(split.SourceTrackID), done,
		split.CreatedAt.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("save split %s: %w", split.ID, err)
	}
	return nil
}

// PendingSplitForTrack returns the not-yet-done split the track participates
// in, or nil. Target-track membership lives inside the payload, so candidates
// are filtered in memory.
func (s *Store) PendingSplitForTrack(ctx context.Context, branch layout.Branch, trackID layout.AssetID) (*store.Split, error) {
	splits, err := s.listSplitRows(ctx, branch, true)
	if err != nil {
		return nil, err
	}
	for i := range splits {
		if splits[i].Contains(trackID) {
			return &splits[i], nil
		}
	}
	return nil, nil
}

// ListSplits returns every split recorded on the branch.
func (s *Store) ListSplits(ctx context.Context, branch layout.Branch) ([]store.Split, error) {
	return s.listSplitRows(ctx, branch, false)
}

func (s *Store) listSplitRows(ctx context.Context, branch layout.Branch, pendingOnly bool) ([]store.Split, error) {
	query := `SELECT payload FROM splits WHERE branch = ? ORDER BY created_at, id`
	if pendingOnly {
		query = `SELECT payload FROM splits WHERE branch = ? AND done = 0 ORDER BY created_at, id`
	}
	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, query, branch.String()); err != nil {
		return nil, fmt.Errorf("list splits on %s: %w", branch, err)
	}
	out := make([]store.Split, 0, len(payloads))
	for _, payload := range payloads {
		var split store.Split
		if err := json.Unmarshal([]byte(payload), &split); err != nil {
			return nil, fmt.Errorf("decode split: %w", err)
		}
		out = append(out, split)
	}
	return out, nil
}

// DeleteSplit removes the split record, wrapping store.ErrNotFound when
// absent.
func (s *Store) DeleteSplit(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM splits WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete split %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete split %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("split %s: %w", id, store.ErrNotFound)
	}
	return nil
}

var (
	_ store.Store          = (*Store)(nil)
	_ store.Committer      = (*Store)(nil)
	_ store.PublicationLog = (*Store)(nil)
	_ store.SplitStore     = (*Store)(nil)
)
