package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhr/uhr/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `id, actor_id, actor_role, patient_id, action, outcome,
	resource_type, resource_id, ip_address, user_agent, request_id,
	description, metadata, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var resourceID *uuid.UUID
	var metadata []byte
	err := row.Scan(&e.ID, &e.ActorID, &e.ActorRole, &e.PatientID, &e.Action, &e.Outcome,
		&e.ResourceType, &resourceID, &e.IPAddress, &e.UserAgent, &e.RequestID,
		&e.Description, &metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if resourceID != nil {
		e.ResourceID = *resourceID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	e.ID = uuid.New()
	var metadata []byte
	if e.Metadata != nil {
		var err error
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
	}
	var resourceID *uuid.UUID
	if e.ResourceID != uuid.Nil {
		resourceID = &e.ResourceID
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_entries (id, actor_id, actor_role, patient_id, action, outcome,
			resource_type, resource_id, ip_address, user_agent, request_id,
			description, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		e.ID, e.ActorID, e.ActorRole, e.PatientID, e.Action, e.Outcome,
		e.ResourceType, resourceID, e.IPAddress, e.UserAgent, e.RequestID,
		e.Description, metadata).Scan(&e.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM audit_entries WHERE id = $1`, id))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM audit_entries WHERE patient_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, nil
}
