package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/daily-survey/internal/apperror"
	"github.com/sakif/daily-survey/internal/model"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the fetch helpers below work both inside a transaction and for the initial
// snapshot load.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Tx gives a Transact body exclusive, typed access to the store's state.
// It is only valid for the duration of the body; the writer goroutine owns
// the underlying transaction.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// Survey fetches the survey singleton, or nil if it has not been created.
func (t *Tx) Survey() (*model.Survey, error) {
	return fetchSurvey(t.tx)
}

// PutSurvey inserts or updates the survey singleton, assigning an id on
// first insert.
func (t *Tx) PutSurvey(s *model.Survey) error {
	if s.ID == "" {
		s.ID = xid.New().String()
	}
	var lastOpened any
	if s.LastOpened != nil {
		lastOpened = *s.LastOpened
	}
	_, err := t.tx.Exec(`
		INSERT INTO surveys (id, url, last_opened, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			last_opened = excluded.last_opened,
			updated_at = excluded.updated_at`,
		s.ID, s.URL, lastOpened, s.UpdatedAt)
	if err != nil {
		return apperror.Storage("upserting survey", err)
	}
	return nil
}

// Authorization fetches the authorization record singleton, or nil.
func (t *Tx) Authorization() (*model.AuthorizationRecord, error) {
	return fetchAuthorization(t.tx)
}

// PutAuthorization inserts or updates the authorization record. The settings
// snapshot is persisted as an opaque JSON blob.
func (t *Tx) PutAuthorization(a *model.AuthorizationRecord) error {
	if a.ID == "" {
		a.ID = xid.New().String()
	}
	blob, err := json.Marshal(a.Settings)
	if err != nil {
		return apperror.Storage("encoding settings", err)
	}
	_, err = t.tx.Exec(`
		INSERT INTO authorizations (id, settings, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		a.ID, blob, a.UpdatedAt)
	if err != nil {
		return apperror.Storage("upserting authorization", err)
	}
	return nil
}

// Reminder fetches the reminder singleton, or nil.
func (t *Tx) Reminder() (*model.Reminder, error) {
	return fetchReminder(t.tx)
}

// PutReminder inserts or updates the reminder singleton. The notification
// request is persisted as an opaque JSON blob.
func (t *Tx) PutReminder(r *model.Reminder) error {
	if r.ID == "" {
		r.ID = xid.New().String()
	}
	blob, err := json.Marshal(r.Request)
	if err != nil {
		return apperror.Storage("encoding request", err)
	}
	_, err = t.tx.Exec(`
		INSERT INTO reminders (id, request, is_being_edited, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request = excluded.request,
			is_being_edited = excluded.is_being_edited,
			updated_at = excluded.updated_at`,
		r.ID, blob, r.IsBeingEdited, r.UpdatedAt)
	if err != nil {
		return apperror.Storage("upserting reminder", err)
	}
	return nil
}

// Rows fetches all rows ordered by (section, row).
func (t *Tx) Rows() ([]model.Row, error) {
	return fetchRows(t.tx)
}

// PutRow inserts or updates a row, assigning an id on first insert.
// The UNIQUE(section, row_idx) constraint surfaces as a storage error,
// aborting the transaction — positions can never silently collide.
func (t *Tx) PutRow(r *model.Row) error {
	if r.ID == "" {
		r.ID = xid.New().String()
	}
	_, err := t.tx.Exec(`
		INSERT INTO rows (id, owner_id, owner_kind, row_type, section, row_idx, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			owner_kind = excluded.owner_kind,
			row_type = excluded.row_type,
			section = excluded.section,
			row_idx = excluded.row_idx,
			last_modified = excluded.last_modified`,
		r.ID, r.OwnerID, r.OwnerKind, r.Type, r.Section, r.Index, r.LastModified)
	if err != nil {
		return apperror.Storage("upserting row", err)
	}
	return nil
}

// DeleteRow removes a single row by id. Deleting an absent row is a no-op.
func (t *Tx) DeleteRow(id string) error {
	if _, err := t.tx.Exec(`DELETE FROM rows WHERE id = ?`, id); err != nil {
		return apperror.Storage("deleting row", err)
	}
	return nil
}

// DeleteRowsOwnedBy removes every row owned by the given entity — the
// cascade side of the owner→row relation.
func (t *Tx) DeleteRowsOwnedBy(ownerID string) error {
	if _, err := t.tx.Exec(`DELETE FROM rows WHERE owner_id = ?`, ownerID); err != nil {
		return apperror.Storage("deleting owned rows", err)
	}
	return nil
}

// Now returns the writer's clock. Transaction bodies use it so a whole
// logical operation shares one timestamp.
func (t *Tx) Now() time.Time {
	return t.now()
}

func fetchSurvey(q querier) (*model.Survey, error) {
	var s model.Survey
	var lastOpened sql.NullTime
	err := q.QueryRow(`SELECT id, url, last_opened, updated_at FROM surveys LIMIT 1`).
		Scan(&s.ID, &s.URL, &lastOpened, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Storage("fetching survey", err)
	}
	if lastOpened.Valid {
		opened := lastOpened.Time
		s.LastOpened = &opened
	}
	return &s, nil
}

func fetchAuthorization(q querier) (*model.AuthorizationRecord, error) {
	var a model.AuthorizationRecord
	var blob []byte
	err := q.QueryRow(`SELECT id, settings, updated_at FROM authorizations LIMIT 1`).
		Scan(&a.ID, &blob, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Storage("fetching authorization", err)
	}
	if err := json.Unmarshal(blob, &a.Settings); err != nil {
		return nil, apperror.Storage("decoding settings", err)
	}
	return &a, nil
}

func fetchReminder(q querier) (*model.Reminder, error) {
	var r model.Reminder
	var blob []byte
	err := q.QueryRow(`SELECT id, request, is_being_edited, updated_at FROM reminders LIMIT 1`).
		Scan(&r.ID, &blob, &r.IsBeingEdited, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Storage("fetching reminder", err)
	}
	if err := json.Unmarshal(blob, &r.Request); err != nil {
		return nil, apperror.Storage("decoding request", err)
	}
	return &r, nil
}

func fetchRows(q querier) ([]model.Row, error) {
	rows, err := q.Query(`
		SELECT id, owner_id, owner_kind, row_type, section, row_idx, last_modified
		FROM rows ORDER BY section, row_idx`)
	if err != nil {
		return nil, apperror.Storage("fetching rows", err)
	}
	defer rows.Close()

	var result []model.Row
	for rows.Next() {
		var r model.Row
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.OwnerKind, &r.Type,
			&r.Section, &r.Index, &r.LastModified); err != nil {
			return nil, apperror.Storage("scanning row", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Storage("iterating rows", err)
	}
	return result, nil
}

func readSnapshot(q querier) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Survey, err = fetchSurvey(q); err != nil {
		return Snapshot{}, err
	}
	if snap.Authorization, err = fetchAuthorization(q); err != nil {
		return Snapshot{}, err
	}
	if snap.Reminder, err = fetchReminder(q); err != nil {
		return Snapshot{}, err
	}
	if snap.Rows, err = fetchRows(q); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
