package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

const insertStmt = "INSERT INTO claims (bundle_id, issuer, window_days, created_at, village_id, visibility, subject, predicate, object, value, computed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

func sampleRow() map[string]any {
	obj := "member:bob"
	return map[string]any{
		"bundle_id":   "b1",
		"issuer":      "village:harbor",
		"window_days": 30,
		"created_at":  "2026-03-01T12:00:00Z",
		"village_id":  "harbor",
		"visibility":  "village",
		"subject":     "member:alice",
		"predicate":   "links.weighted_to",
		"object":      &obj,
		"value":       1.25,
		"computed_at": "2026-03-01T12:00:00Z",
	}
}

func TestMirrorInsertRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertStmt)).
		WithArgs("b1", "village:harbor", 30, "2026-03-01T12:00:00Z", "harbor",
			"village", "member:alice", "links.weighted_to", "member:bob", "1.25",
			"2026-03-01T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := NewMirror(db, "sqlite")
	require.NoError(t, m.InsertRows(context.Background(), []map[string]any{sampleRow()}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorInsertNullColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	row := sampleRow()
	row["village_id"] = nil
	row["visibility"] = nil
	row["object"] = nil
	row["value"] = nil

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertStmt)).
		WithArgs("b1", "village:harbor", 30, "2026-03-01T12:00:00Z", nil,
			nil, "member:alice", "links.weighted_to", nil, nil,
			"2026-03-01T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := NewMirror(db, "sqlite")
	require.NoError(t, m.InsertRows(context.Background(), []map[string]any{row}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorInsertRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertStmt)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	m := NewMirror(db, "sqlite")
	err = m.InsertRows(context.Background(), []map[string]any{sampleRow()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "mirror insert")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorInsertEmptyIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := NewMirror(db, "sqlite")
	require.NoError(t, m.InsertRows(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorQueryClaimsPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := "SELECT bundle_id, issuer, window_days, created_at, village_id, visibility, subject, predicate, object, value, computed_at FROM claims WHERE village_id = $1 AND computed_at > $2 ORDER BY computed_at, bundle_id LIMIT 5"
	mock.ExpectQuery(regexp.QuoteMeta(q)).
		WithArgs("harbor", "2026-03-01T00:00:00Z").
		WillReturnRows(sqlmock.NewRows(mirrorColumns).
			AddRow("b1", "village:harbor", 30, "2026-03-01T12:00:00Z", "harbor",
				"village", "member:alice", "links.weighted_to", "member:bob", "1.25",
				"2026-03-01T12:00:00Z"))

	m := NewMirror(db, "postgres")
	rows, err := m.QueryClaims(context.Background(), QueryFilter{
		VillageID: "harbor",
		Since:     "2026-03-01T00:00:00Z",
		Limit:     5,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b1", rows[0]["bundle_id"])
	require.Equal(t, int64(30), rows[0]["window_days"])
	require.Equal(t, "member:bob", rows[0]["object"])
	require.Equal(t, json.Number("1.25"), rows[0]["value"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorQueryClaimsNullRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := "SELECT bundle_id, issuer, window_days, created_at, village_id, visibility, subject, predicate, object, value, computed_at FROM claims ORDER BY computed_at, bundle_id"
	mock.ExpectQuery(regexp.QuoteMeta(q)).
		WillReturnRows(sqlmock.NewRows(mirrorColumns).
			AddRow("b2", nil, nil, "2026-03-01T12:00:00Z", nil,
				nil, "member:carol", "links.weighted_to", nil, nil,
				"2026-03-01T12:00:00Z"))

	m := NewMirror(db, "sqlite")
	rows, err := m.QueryClaims(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0]["village_id"])
	require.Nil(t, rows[0]["issuer"])
	require.Nil(t, rows[0]["window_days"])
	require.Nil(t, rows[0]["object"])
	require.Nil(t, rows[0]["value"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorPlaceholdersDialect(t *testing.T) {
	pg := NewMirror(nil, "postgres")
	require.Equal(t, []string{"$1", "$2", "$3"}, pg.placeholders(3))

	lite := NewMirror(nil, "sqlite")
	require.Equal(t, []string{"?", "?", "?"}, lite.placeholders(3))
}
