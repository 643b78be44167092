package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/villagelabs/links/pkg/canon"
)

// Mirror write-throughs index rows into a SQL database and serves claim
// queries from it. The JSONL index stays authoritative; the mirror exists
// for operators who want SQL over the claim graph.
type Mirror struct {
	db     *sql.DB
	driver string
}

const mirrorSchema = `CREATE TABLE IF NOT EXISTS claims (
	bundle_id TEXT NOT NULL,
	issuer TEXT,
	window_days INTEGER,
	created_at TEXT,
	village_id TEXT,
	visibility TEXT,
	subject TEXT,
	predicate TEXT,
	object TEXT,
	value TEXT,
	computed_at TEXT
)`

// OpenMirror opens a database and ensures the schema. driver is "sqlite"
// (embedded, dsn is a file path) or "postgres" (dsn is a DATABASE_URL).
func OpenMirror(ctx context.Context, driver, dsn string) (*Mirror, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	m := &Mirror{db: db, driver: driver}
	if err := m.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewMirror wraps an existing database handle without touching the schema.
func NewMirror(db *sql.DB, driver string) *Mirror {
	return &Mirror{db: db, driver: driver}
}

func (m *Mirror) init(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, mirrorSchema); err != nil {
		return fmt.Errorf("mirror schema: %w", err)
	}
	return nil
}

func (m *Mirror) Close() error {
	return m.db.Close()
}

// placeholders renders n parameter markers in the driver's dialect.
func (m *Mirror) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		if m.driver == "postgres" {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

var mirrorColumns = []string{
	"bundle_id", "issuer", "window_days", "created_at", "village_id",
	"visibility", "subject", "predicate", "object", "value", "computed_at",
}

// InsertRows writes one transaction per bundle: all rows or none.
func (m *Mirror) InsertRows(ctx context.Context, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mirror insert: %w", err)
	}
	stmt := fmt.Sprintf("INSERT INTO claims (%s) VALUES (%s)",
		strings.Join(mirrorColumns, ", "),
		strings.Join(m.placeholders(len(mirrorColumns)), ", "))
	for _, row := range rows {
		args, err := mirrorArgs(row)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("mirror insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("mirror insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mirror insert: %w", err)
	}
	return nil
}

// mirrorArgs flattens an index row into driver values. Timestamps become
// their canonical strings; the claim value is stored as canonical JSON.
func mirrorArgs(row map[string]any) ([]any, error) {
	args := make([]any, 0, len(mirrorColumns))
	for _, col := range mirrorColumns {
		v := row[col]
		switch col {
		case "created_at", "computed_at":
			args = append(args, fmt.Sprint(v))
		case "object":
			switch o := v.(type) {
			case nil:
				args = append(args, nil)
			case *string:
				if o == nil {
					args = append(args, nil)
				} else {
					args = append(args, *o)
				}
			default:
				args = append(args, fmt.Sprint(o))
			}
		case "value":
			if v == nil {
				args = append(args, nil)
				continue
			}
			enc, err := canon.MarshalString(v)
			if err != nil {
				return nil, err
			}
			args = append(args, enc)
		default:
			if v == nil {
				args = append(args, nil)
			} else {
				args = append(args, v)
			}
		}
	}
	return args, nil
}

// QueryClaims serves the store query from SQL, ordered by computed_at
// then bundle_id so results are stable across backends.
func (m *Mirror) QueryClaims(ctx context.Context, f QueryFilter) ([]map[string]any, error) {
	var conds []string
	var args []any
	add := func(col, val string) {
		args = append(args, val)
		if m.driver == "postgres" {
			conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
		} else {
			conds = append(conds, fmt.Sprintf("%s = ?", col))
		}
	}
	if f.VillageID != "" {
		add("village_id", f.VillageID)
	}
	if f.Subject != "" {
		add("subject", f.Subject)
	}
	if f.Issuer != "" {
		add("issuer", f.Issuer)
	}
	if f.Predicate != "" {
		add("predicate", f.Predicate)
	}
	if f.Since != "" {
		args = append(args, f.Since)
		if m.driver == "postgres" {
			conds = append(conds, fmt.Sprintf("computed_at > $%d", len(args)))
		} else {
			conds = append(conds, "computed_at > ?")
		}
	}

	q := "SELECT bundle_id, issuer, window_days, created_at, village_id, visibility, subject, predicate, object, value, computed_at FROM claims"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY computed_at, bundle_id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror query: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			bundleID, subject, predicate         string
			issuer, createdAt, computedAt        sql.NullString
			villageID, visibility, object, value sql.NullString
			windowDays                           sql.NullInt64
		)
		if err := rows.Scan(&bundleID, &issuer, &windowDays, &createdAt, &villageID,
			&visibility, &subject, &predicate, &object, &value, &computedAt); err != nil {
			return nil, fmt.Errorf("mirror query: %w", err)
		}
		row := map[string]any{
			"bundle_id":   bundleID,
			"issuer":      nullString(issuer),
			"window_days": nullInt(windowDays),
			"created_at":  nullString(createdAt),
			"village_id":  nullString(villageID),
			"visibility":  nullString(visibility),
			"subject":     subject,
			"predicate":   predicate,
			"object":      nullString(object),
			"value":       decodeValue(value),
			"computed_at": nullString(computedAt),
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirror query: %w", err)
	}
	return out, nil
}

func nullString(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

func nullInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func decodeValue(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	out, err := canon.Decode([]byte(v.String))
	if err != nil {
		return v.String
	}
	return out
}
