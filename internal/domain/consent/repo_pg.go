package consent

import (
	"context"

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

// =========== Grant Repository ===========

type grantRepoPG struct{ pool *pgxpool.Pool }

func NewGrantRepoPG(pool *pgxpool.Pool) GrantRepository {
	return &grantRepoPG{pool: pool}
}

func (r *grantRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const grantCols = `id, patient_id, grantee_id, grantee_email, scope, data_types,
	range_start, range_end, expires_at, status, revoked_at, created_at, updated_at`

func scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	var granteeID *uuid.UUID
	err := row.Scan(&g.ID, &g.PatientID, &granteeID, &g.GranteeEmail, &g.Scope, &g.DataTypes,
		&g.RangeStart, &g.RangeEnd, &g.ExpiresAt, &g.Status, &g.RevokedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if granteeID != nil {
		g.GranteeID = *granteeID
	}
	return &g, nil
}

func (r *grantRepoPG) Create(ctx context.Context, g *Grant) error {
	g.ID = uuid.New()
	var granteeID *uuid.UUID
	if g.GranteeID != uuid.Nil {
		granteeID = &g.GranteeID
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consent_grants (id, patient_id, grantee_id, grantee_email, scope, data_types,
			range_start, range_end, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		g.ID, g.PatientID, granteeID, g.GranteeEmail, g.Scope, g.DataTypes,
		g.RangeStart, g.RangeEnd, g.ExpiresAt, g.Status).
		Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (r *grantRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return scanGrant(r.conn(ctx).QueryRow(ctx, `SELECT `+grantCols+` FROM consent_grants WHERE id = $1`, id))
}

func (r *grantRepoPG) FindActive(ctx context.Context, patientID, granteeID uuid.UUID) (*Grant, error) {
	return scanGrant(r.conn(ctx).QueryRow(ctx, `
		SELECT `+grantCols+` FROM consent_grants
		WHERE patient_id = $1 AND grantee_id = $2 AND status = 'active'`,
		patientID, granteeID))
}

func (r *grantRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consent_grants WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+grantCols+` FROM consent_grants WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, g)
	}
	return items, total, nil
}

func (r *grantRepoPG) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_grants SET status = 'revoked', revoked_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// =========== ShareLink Repository ===========

type shareLinkRepoPG struct{ pool *pgxpool.Pool }

func NewShareLinkRepoPG(pool *pgxpool.Pool) ShareLinkRepository {
	return &shareLinkRepoPG{pool: pool}
}

func (r *shareLinkRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const shareLinkCols = `id, patient_id, token_hash, validator_type, validator_hash,
	expires_at, max_uses, use_count, failed_attempts, status, created_by, created_at`

func scanShareLink(row pgx.Row) (*ShareLink, error) {
	var l ShareLink
	err := row.Scan(&l.ID, &l.PatientID, &l.TokenHash, &l.ValidatorType, &l.ValidatorHash,
		&l.ExpiresAt, &l.MaxUses, &l.UseCount, &l.FailedAttempts, &l.Status, &l.CreatedBy, &l.CreatedAt)
	return &l, err
}

func (r *shareLinkRepoPG) Create(ctx context.Context, l *ShareLink) error {
	l.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO share_links (id, patient_id, token_hash, validator_type, validator_hash,
			expires_at, max_uses, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		l.ID, l.PatientID, l.TokenHash, l.ValidatorType, l.ValidatorHash,
		l.ExpiresAt, l.MaxUses, l.Status, l.CreatedBy).
		Scan(&l.CreatedAt)
}

func (r *shareLinkRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ShareLink, error) {
	return scanShareLink(r.conn(ctx).QueryRow(ctx, `SELECT `+shareLinkCols+` FROM share_links WHERE id = $1`, id))
}

func (r *shareLinkRepoPG) GetByTokenHash(ctx context.Context, tokenHash string) (*ShareLink, error) {
	return scanShareLink(r.conn(ctx).QueryRow(ctx, `SELECT `+shareLinkCols+` FROM share_links WHERE token_hash = $1`, tokenHash))
}

func (r *shareLinkRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ShareLink, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM share_links WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+shareLinkCols+` FROM share_links WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ShareLink
	for rows.Next() {
		l, err := scanShareLink(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, nil
}

func (r *shareLinkRepoPG) IncrementUse(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE share_links SET use_count = use_count + 1
		WHERE id = $1 AND status = 'active' AND (max_uses = 0 OR use_count < max_uses)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *shareLinkRepoPG) IncrementFailedAttempts(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE share_links SET failed_attempts = failed_attempts + 1 WHERE id = $1`, id)
	return err
}

func (r *shareLinkRepoPG) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE share_links SET status = 'revoked' WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
