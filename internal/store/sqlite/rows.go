// File path: internal/store/sqlite/rows.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

type assetRow struct {
	Kind      string `db:"kind"`
	ID        string `db:"id"`
	Branch    string `db:"branch"`
	State     string `db:"state"`
	Version   int    `db:"version"`
	Payload   string `db:"payload"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r assetRow) rowVersion() (layout.RowVersion, error) {
	branch, err := layout.ParseBranch(r.Branch)
	if err != nil {
		return layout.RowVersion{}, err
	}
	return layout.RowVersion{
		Kind:    layout.AssetKind(r.Kind),
		ID:      layout.AssetID(r.ID),
		Context: layout.Context{Branch: branch, State: layout.PublicationState(r.State)},
		Version: r.Version,
	}, nil
}

// Fetch resolves the asset visible in the given context through the
// draft-over-official and design-over-main overlays.
func (s *Store) Fetch(ctx context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (layout.Asset, error) {
	for _, physical := range store.ResolutionOrder(lctx) {
		asset, err := s.fetchRow(ctx, kind, id, physical)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			return asset, nil
		}
	}
	return nil, nil
}

// FetchExact returns only the physical row in the exact context.
func (s *Store) FetchExact(ctx context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (layout.Asset, error) {
	asset, err := s.fetchRow(ctx, kind, id, lctx)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, fmt.Errorf("%s/%s in %s: %w", kind, id, lctx, store.ErrNotFound)
	}
	return asset, nil
}

// FetchVersion returns the row version of the physical row in the exact
// context, or nil when absent.
func (s *Store) FetchVersion(ctx context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (*layout.RowVersion, error) {
	var row assetRow
	err := s.db.GetContext(ctx, &row,
		`SELECT kind, id, branch, state, version, payload, updated_at FROM asset_rows
                 WHERE kind = ? AND id = ? AND branch = ? AND state = ?`,
		string(kind), string(id), lctx.Branch.String(), string(lctx.State))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch version %s/%s: %w", kind, id, err)
	}
	version, err := row.rowVersion()
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func (s *Store) fetchRow(ctx context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (layout.Asset, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM asset_rows WHERE kind = ? AND id = ? AND branch = ? AND state = ?`,
		string(kind), string(id), lctx.Branch.String(), string(lctx.State))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", kind, id, err)
	}
	return decodeAsset(kind, payload)
}

// FetchAtMoment returns the official state of the asset on the branch as it
// stood at the moment, falling back to main history on design branches.
func (s *Store) FetchAtMoment(ctx context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch, moment time.Time) (layout.Asset, error) {
	asset, err := s.versionAtMoment(ctx, kind, id, branch, moment)
	if err != nil {
		return nil, err
	}
	if asset == nil && !branch.IsMain() {
		return s.versionAtMoment(ctx, kind, id, layout.MainBranch(), moment)
	}
	return asset, nil
}

func (s *Store) versionAtMoment(ctx context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch, moment time.Time) (layout.Asset, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM asset_versions
                 WHERE kind = ? AND id = ? AND branch = ? AND moment <= ?
                 ORDER BY moment DESC, version DESC LIMIT 1`,
		string(kind), string(id), branch.String(), moment.UnixNano())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s at moment: %w", kind, id, err)
	}
	return decodeAsset(kind, payload)
}

// List returns the overlay-resolved assets of a kind in a context.
func (s *Store) List(ctx context.Context, kind layout.AssetKind, lctx layout.Context) ([]layout.Asset, error) {
	seen := make(map[layout.AssetID]layout.Asset)
	order := make([]layout.AssetID, 0)
	for _, physical := range store.ResolutionOrder(lctx) {
		rows, err := s.listRows(ctx, kind, physical)
		if err != nil {
			return nil, err
		}
		for _, asset := range rows {
			if _, ok := seen[asset.AssetID()]; ok {
				continue
			}
			seen[asset.AssetID()] = asset
			order = append(order, asset.AssetID())
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]layout.Asset, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}
	return out, nil
}

// ListExact returns only the physical rows in the exact context.
func (s *Store) ListExact(ctx context.Context, kind layout.AssetKind, lctx layout.Context) ([]layout.Asset, error) {
	return s.listRows(ctx, kind, lctx)
}

func (s *Store) listRows(ctx context.Context, kind layout.AssetKind, lctx layout.Context) ([]layout.Asset, error) {
	var payloads []string
	err := s.db.SelectContext(ctx, &payloads,
		`SELECT payload FROM asset_rows WHERE kind = ? AND branch = ? AND state = ? ORDER BY id`,
		string(kind), lctx.Branch.String(), string(lctx.State))
	if err != nil {
		return nil, fmt.Errorf("list %s in %s: %w", kind, lctx, err)
	}
	out := make([]layout.Asset, 0, len(payloads))
	for _, payload := range payloads {
		asset, err := decodeAsset(kind, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, nil
}

// ListAtMoment returns the official assets of a kind on the branch as they
// stood at the moment.
func (s *Store) ListAtMoment(ctx context.Context, kind layout.AssetKind, branch layout.Branch, moment time.Time) ([]layout.Asset, error) {
	ids := make(map[layout.AssetID]struct{})
	branches := []layout.Branch{branch}
	if !branch.IsMain() {
		branches = append(branches, layout.MainBranch())
	}
	for _, b := range branches {
		var raw []string
		err := s.db.SelectContext(ctx, &raw,
			`SELECT DISTINCT id FROM asset_versions WHERE kind = ? AND branch = ? AND moment <= ?`,
			string(kind), b.String(), moment.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("list %s at moment: %w", kind, err)
		}
		for _, id := range raw {
			ids[layout.AssetID(id)] = struct{}{}
		}
	}
	sorted := make([]layout.AssetID, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]layout.Asset, 0, len(sorted))
	for _, id := range sorted {
		asset, err := s.FetchAtMoment(ctx, kind, id, branch, moment)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			out = append(out, asset)
		}
	}
	return out, nil
}

// SaveDraft inserts or replaces the draft row of the asset on the branch.
func (s *Store) SaveDraft(ctx context.Context, branch layout.Branch, asset layout.Asset) (layout.RowVersion, error) {
	payload, err := encodeAsset(asset)
	if err != nil {
		return layout.RowVersion{}, err
	}
	lctx := layout.Draft(branch)
	version, err := s.nextVersion(ctx, s.db, asset.AssetKind(), asset.AssetID())
	if err != nil {
		return layout.RowVersion{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO asset_rows (kind, id, branch, state, version, payload, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?)
                 ON CONFLICT(kind, id, branch, state) DO UPDATE SET
                         version = excluded.version,
                         payload = excluded.payload,
                         updated_at = excluded.updated_at`,
		string(asset.AssetKind()), string(asset.AssetID()), branch.String(), string(lctx.State),
		version, payload, time.Now().UnixNano())
	if err != nil {
		return layout.RowVersion{}, fmt.Errorf("save draft %s/%s: %w", asset.AssetKind(), asset.AssetID(), err)
	}
	if err := s.touchChangeLog(ctx, s.db, time.Now()); err != nil {
		return layout.RowVersion{}, err
	}
	return layout.RowVersion{Kind: asset.AssetKind(), ID: asset.AssetID(), Context: lctx, Version: version}, nil
}

// DeleteDraft removes the draft row, reporting store.ErrNoDraft when absent.
func (s *Store) DeleteDraft(ctx context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM asset_rows WHERE kind = ? AND id = ? AND branch = ? AND state = ?`,
		string(kind), string(id), branch.String(), string(layout.StateDraft))
	if err != nil {
		return fmt.Errorf("delete draft %s/%s: %w", kind, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete draft %s/%s: %w", kind, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s/%s on %s: %w", kind, id, branch, store.ErrNoDraft)
	}
	return s.touchChangeLog(ctx, s.db, time.Now())
}

// PromoteDrafts atomically turns the named draft rows into official rows
// effective at the moment. Either every named ref is promoted or none is.
func (s *Store) PromoteDrafts(ctx context.Context, branch layout.Branch, refs []layout.Ref, moment time.Time) ([]layout.RowVersion, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin promote: %w", err)
	}
	defer tx.Rollback()

	promoted, err := s.promoteTx(ctx, tx, branch, refs, moment)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit promote: %w", err)
	}
	return promoted, nil
}

func (s *Store) promoteTx(ctx context.Context, tx *sqlx.Tx, branch layout.Branch, refs []layout.Ref, moment time.Time) ([]layout.RowVersion, error) {
	drafts := make(map[layout.Ref]assetRow, len(refs))
	for _, ref := range refs {
		var row assetRow
		err := tx.GetContext(ctx, &row,
			`SELECT kind, id, branch, state, version, payload, updated_at FROM asset_rows
                         WHERE kind = ? AND id = ? AND branch = ? AND state = ?`,
			string(ref.Kind), string(ref.ID), branch.String(), string(layout.StateDraft))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s on %s: %w", ref, branch, store.ErrNoDraft)
		}
		if err != nil {
			return nil, fmt.Errorf("load draft %s: %w", ref, err)
		}
		drafts[ref] = row
	}

	promoted := make([]layout.RowVersion, 0, len(refs))
	for _, ref := range refs {
		row := drafts[ref]
		version, err := s.nextVersion(ctx, tx, ref.Kind, ref.ID)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO asset_rows (kind, id, branch, state, version, payload, updated_at)
                         VALUES (?, ?, ?, ?, ?, ?, ?)
                         ON CONFLICT(kind, id, branch, state) DO UPDATE SET
                                 version = excluded.version,
                                 payload = excluded.payload,
                                 updated_at = excluded.updated_at`,
			string(ref.Kind), string(ref.ID), branch.String(), string(layout.StateOfficial),
			version, row.Payload, moment.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("promote %s: %w", ref, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO asset_versions (kind, id, branch, version, payload, moment)
                         VALUES (?, ?, ?, ?, ?, ?)`,
			string(ref.Kind), string(ref.ID), branch.String(), version, row.Payload, moment.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("record version %s: %w", ref, err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM asset_rows WHERE kind = ? AND id = ? AND branch = ? AND state = ?`,
			string(ref.Kind), string(ref.ID), branch.String(), string(layout.StateDraft))
		if err != nil {
			return nil, fmt.Errorf("consume draft %s: %w", ref, err)
		}
		promoted = append(promoted, layout.RowVersion{
			Kind:    ref.Kind,
			ID:      ref.ID,
			Context: layout.Official(branch),
			Version: version,
		})
	}
	if err := s.touchChangeLog(ctx, tx, moment); err != nil {
		return nil, err
	}
	return promoted, nil
}

// ChangeTime returns the moment of the latest mutation.
func (s *Store) ChangeTime(ctx context.Context) (time.Time, error) {
	var moment int64
	err := s.db.GetContext(ctx, &moment, `SELECT moment FROM change_log WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read change time: %w", err)
	}
	return time.Unix(0, moment), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

func (s *Store) nextVersion(ctx context.Context, db execer, kind layout.AssetKind, id layout.AssetID) (int, error) {
	var seq int
	err := db.GetContext(ctx, &seq,
		`INSERT INTO version_seq (kind, id, seq) VALUES (?, ?, 1)
                 ON CONFLICT(kind, id) DO UPDATE SET seq = seq + 1
                 RETURNING seq`,
		string(kind), string(id))
	if err != nil {
		return 0, fmt.Errorf("next version %s/%s: %w", kind, id, err)
	}
	return seq, nil
}

func (s *Store) touchChangeLog(ctx context.Context, db execer, moment time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO change_log (id, moment) VALUES (1, ?)
                 ON CONFLICT(id) DO UPDATE SET moment = MAX(moment, excluded.moment)`,
		moment.UnixNano())
	if err != nil {
		return fmt.Errorf("update change log: %w", err)
	}
	return nil
}
