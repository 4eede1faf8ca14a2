package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"permitline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const requestColumns = `id,applicant_id,service_type,request_kind,state,payload_version,certificate_ref,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var r domain.Request
	var kind, state string
	var cert sql.NullString
	err := row.Scan(&r.ID, &r.ApplicantID, &r.ServiceType, &kind, &state, &r.PayloadVersion, &cert, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Kind = domain.RequestKind(kind)
	r.State = domain.State(state)
	if cert.Valid {
		r.CertificateRef = cert.String
	}
	return r, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ApplicantID, req.ServiceType, string(req.Kind), string(req.State), req.PayloadVersion,
		nullable(req.CertificateRef), req.Version, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest returns the request row without payload or documents.
func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return getRequest(ctx, r.DB, id)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return getRequest(ctx, tx, id)
}

func getRequest(ctx context.Context, q querier, id string) (domain.Request, error) {
	return scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

// CompareAndSetState moves a request to next only if its version is still
// expected. It reports false when another writer got there first.
func (r Repo) CompareAndSetState(ctx context.Context, tx *sql.Tx, id string, expected int64, next domain.State, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET state=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		string(next), updatedAt, id, expected)
	if err != nil {
		return false, fmt.Errorf("update request state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) InsertPayload(ctx context.Context, tx *sql.Tx, requestID string, version int, payload json.RawMessage, createdAt string) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO request_payloads(request_id,version,payload_json,created_at) VALUES (?,?,?,?)`,
		requestID, version, string(payload), createdAt); err != nil {
		return fmt.Errorf("insert payload v%d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE requests SET payload_version=? WHERE id=?`, version, requestID); err != nil {
		return fmt.Errorf("bump payload version: %w", err)
	}
	return nil
}

// Payload returns one stored payload version.
func (r Repo) Payload(ctx context.Context, requestID string, version int) (json.RawMessage, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM request_payloads WHERE request_id=? AND version=?`, requestID, version).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (r Repo) SetCertificate(ctx context.Context, tx *sql.Tx, requestID, ref string) error {
	_, err := tx.ExecContext(ctx, `UPDATE requests SET certificate_ref=? WHERE id=?`, ref, requestID)
	return err
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,request_id,kind,name,ref,payload_version,added_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.RequestID, d.Kind, nullable(d.Name), d.Ref, d.PayloadVersion, d.AddedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// ListDocuments returns a request's documents, oldest first.
func (r Repo) ListDocuments(ctx context.Context, requestID string, includeRemoved bool) ([]domain.Document, error) {
	query := `SELECT id,request_id,kind,COALESCE(name,''),ref,payload_version,added_at,removed_at FROM documents WHERE request_id=?`
	if !includeRemoved {
		query += ` AND removed_at IS NULL`
	}
	query += ` ORDER BY added_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		var removed sql.NullString
		if err := rows.Scan(&d.ID, &d.RequestID, &d.Kind, &d.Name, &d.Ref, &d.PayloadVersion, &d.AddedAt, &removed); err != nil {
			return nil, err
		}
		if removed.Valid {
			d.RemovedAt = &removed.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// RemoveDocument marks an active document as removed and returns it.
func (r Repo) RemoveDocument(ctx context.Context, tx *sql.Tx, requestID, documentID, removedAt string) (domain.Document, error) {
	var d domain.Document
	err := tx.QueryRowContext(ctx, `SELECT id,request_id,kind,COALESCE(name,''),ref,payload_version,added_at FROM documents WHERE id=? AND request_id=? AND removed_at IS NULL`,
		documentID, requestID).Scan(&d.ID, &d.RequestID, &d.Kind, &d.Name, &d.Ref, &d.PayloadVersion, &d.AddedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET removed_at=? WHERE id=?`, removedAt, documentID); err != nil {
		return d, fmt.Errorf("remove document: %w", err)
	}
	d.RemovedAt = &removedAt
	return d, nil
}

// RequestOrder selects the listing order.
type RequestOrder int

const (
	// NewestFirst orders by created_at DESC, id DESC.
	NewestFirst RequestOrder = iota
	// OldestUpdateFirst orders by updated_at ASC, id ASC, the order work queues are served in.
	OldestUpdateFirst
)

type RequestFilters struct {
	States       []domain.State
	Kind         domain.RequestKind
	ApplicantID  string
	ServiceType  string
	ExcludeDraft bool
	Order        RequestOrder
	Limit        int
	CursorTS     string
	CursorID     string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.Kind != "" {
		clauses = append(clauses, "request_kind=?")
		args = append(args, string(f.Kind))
	}
	if f.ApplicantID != "" {
		clauses = append(clauses, "applicant_id=?")
		args = append(args, f.ApplicantID)
	}
	if f.ServiceType != "" {
		clauses = append(clauses, "service_type=?")
		args = append(args, f.ServiceType)
	}
	if f.ExcludeDraft {
		clauses = append(clauses, "state<>?")
		args = append(args, string(domain.StateDraft))
	}
	order := ` ORDER BY created_at DESC, id DESC`
	if f.Order == OldestUpdateFirst {
		order = ` ORDER BY updated_at ASC, id ASC`
		if f.CursorTS != "" && f.CursorID != "" {
			clauses = append(clauses, "(updated_at > ? OR (updated_at = ? AND id > ?))")
			args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
		}
	} else if f.CursorTS != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests` + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// CountRequestsByState is a cheap aggregate for operators; dashboards use
// the projection layer instead.
func (r Repo) CountRequestsByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM requests GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.State]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[domain.State(state)] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
