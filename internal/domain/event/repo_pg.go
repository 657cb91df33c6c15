package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

const eventCols = `id, patient_id, type, clinical_ts, system_ts,
	source_type, source_actor_id, source_org,
	verification_level, visibility, created_by,
	amends_event_id, amendment_reason, parent_event_id, relationship_type,
	deleted_at, retraction_reason,
	external_system, external_resource_id, original_payload_hash,
	fhir_resource_type, fhir_logical_id, fhir_version_id, details`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var sourceActorID *uuid.UUID
	var details []byte
	err := row.Scan(&e.ID, &e.PatientID, &e.Type, &e.ClinicalTS, &e.SystemTS,
		&e.SourceType, &sourceActorID, &e.SourceOrg,
		&e.VerificationLevel, &e.Visibility, &e.CreatedBy,
		&e.AmendsEventID, &e.AmendmentReason, &e.ParentEventID, &e.Relationship,
		&e.DeletedAt, &e.RetractionReason,
		&e.ExternalSystem, &e.ExternalResourceID, &e.OriginalPayloadHash,
		&e.FHIRResourceType, &e.FHIRLogicalID, &e.FHIRVersionID, &details)
	if err != nil {
		return nil, err
	}
	if sourceActorID != nil {
		e.SourceActorID = *sourceActorID
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decoding event details: %w", err)
		}
	}
	return &e, nil
}

func (r *repoPG) Insert(ctx context.Context, e *Event) error {
	e.ID = uuid.New()
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encoding event details: %w", err)
	}
	var sourceActorID *uuid.UUID
	if e.SourceActorID != uuid.Nil {
		sourceActorID = &e.SourceActorID
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medical_events (id, patient_id, type, clinical_ts,
			source_type, source_actor_id, source_org,
			verification_level, visibility, created_by,
			amends_event_id, amendment_reason, parent_event_id, relationship_type,
			external_system, external_resource_id, original_payload_hash,
			fhir_resource_type, fhir_logical_id, fhir_version_id, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING system_ts`,
		e.ID, e.PatientID, e.Type, e.ClinicalTS,
		e.SourceType, sourceActorID, e.SourceOrg,
		e.VerificationLevel, e.Visibility, e.CreatedBy,
		e.AmendsEventID, e.AmendmentReason, e.ParentEventID, e.Relationship,
		e.ExternalSystem, e.ExternalResourceID, e.OriginalPayloadHash,
		e.FHIRResourceType, e.FHIRLogicalID, e.FHIRVersionID, details).
		Scan(&e.SystemTS)
	return translateInsertErr(err)
}

// translateInsertErr maps constraint violations raised by a concurrent
// writer onto the sentinels the in-transaction pre-checks normally return
// first. The partial unique indexes are the backstop for races the
// pre-checks cannot see.
func translateInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "idx_events_one_amendment":
			return fmt.Errorf("%w: target already amended", ErrConcurrentAmendment)
		case "idx_events_external_ref":
			return errDuplicateImport
		}
	}
	return err
}

// isSerializationFailure reports a SERIALIZABLE transaction that lost its
// race and was rolled back with SQLSTATE 40001.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	return scanEvent(r.conn(ctx).QueryRow(ctx, `SELECT `+eventCols+` FROM medical_events WHERE id = $1`, id))
}

func (r *repoPG) GetByExternalRef(ctx context.Context, externalSystem, externalResourceID, payloadHash string) (*Event, error) {
	return scanEvent(r.conn(ctx).QueryRow(ctx, `
		SELECT `+eventCols+` FROM medical_events
		WHERE external_system = $1 AND external_resource_id = $2 AND original_payload_hash = $3`,
		externalSystem, externalResourceID, payloadHash))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f Filters, limit, offset int) ([]*Event, int, error) {
	where := `patient_id = $1`
	args := []interface{}{patientID}
	if len(f.Types) > 0 {
		args = append(args, f.Types)
		where += fmt.Sprintf(` AND type = ANY($%d)`, len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where += fmt.Sprintf(` AND clinical_ts >= $%d`, len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where += fmt.Sprintf(` AND clinical_ts <= $%d`, len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medical_events WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+eventCols+` FROM medical_events WHERE `+where+`
		ORDER BY clinical_ts DESC, system_ts DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, nil
}

func (r *repoPG) FindAmendmentOf(ctx context.Context, targetID uuid.UUID) (*Event, error) {
	return scanEvent(r.conn(ctx).QueryRow(ctx, `
		SELECT `+eventCols+` FROM medical_events
		WHERE amends_event_id = $1 AND deleted_at IS NULL`, targetID))
}

func (r *repoPG) ListLifecycleChildren(ctx context.Context, parentID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+eventCols+` FROM medical_events
		WHERE parent_event_id = $1 AND relationship_type = 'lifecycle'
		ORDER BY clinical_ts ASC, system_ts ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, nil
}

func (r *repoPG) Retract(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medical_events SET deleted_at = NOW(), retraction_reason = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *repoPG) Approve(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medical_events SET visibility = 'visible'
		WHERE id = $1 AND visibility = 'pending_approval' AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
