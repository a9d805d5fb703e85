package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// patientRepoPG keeps the full record in a JSONB column and copies the
// searchable fields into plain columns.
type patientRepoPG struct {
	db querier
}

func NewPGRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{db: pool}
}

const patientCols = `id, doc, created_at, updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	p.CreatedAt, p.UpdatedAt = now, now

	doc, err := json.Marshal(p)
	if err != nil {
		return storeErr("create", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO patients (id, admin_id, name, city, district, state, country, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.AdminID, p.Name, p.City, p.District, p.State, p.Country, doc, p.CreatedAt, p.UpdatedAt,
	)
	return storeErr("create", err)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.db.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return p, nil
}

func (r *patientRepoPG) List(ctx context.Context) ([]*Patient, error) {
	return r.query(ctx, "list", `SELECT `+patientCols+` FROM patients ORDER BY created_at, id`)
}

func (r *patientRepoPG) Search(ctx context.Context, f SearchFilters) ([]*Patient, error) {
	where, args := pgSearchClause(f)
	return r.query(ctx, "search", `SELECT `+patientCols+` FROM patients`+where+` ORDER BY created_at, id`, args...)
}

// pgSearchClause builds an ILIKE condition per non-empty filter with LIKE
// wildcards in the input escaped.
func pgSearchClause(f SearchFilters) (string, []interface{}) {
	var conds []string
	var args []interface{}
	for _, kv := range f.fields() {
		if kv[1] == "" {
			continue
		}
		args = append(args, "%"+escapeLike(kv[1])+"%")
		conds = append(conds, fmt.Sprintf(`%s ILIKE $%d ESCAPE '\'`, kv[0], len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (r *patientRepoPG) query(ctx context.Context, op, sql string, args ...interface{}) ([]*Patient, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	updatedAt := time.Now().UTC().Truncate(time.Microsecond)
	next := *p
	next.UpdatedAt = updatedAt

	doc, err := json.Marshal(&next)
	if err != nil {
		return storeErr("update", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE patients SET name=$2, city=$3, district=$4, state=$5, country=$6, doc=$7, updated_at=$8
		WHERE id = $1`,
		p.ID, p.Name, p.City, p.District, p.State, p.Country, doc, updatedAt,
	)
	if err != nil {
		return storeErr("update", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	p.UpdatedAt = updatedAt
	return nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var (
		id        uuid.UUID
		doc       []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&id, &doc, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var p Patient
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode patient %s: %w", id, err)
	}
	p.ID = id
	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt
	return &p, nil
}
