package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, nil)
	require.NoError(t, err)
	fixed := time.Unix(1700000000, 0).UTC()
	s.now = func() time.Time { return fixed }
	return s, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewWithPool(nil, nil)
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestUpsertReportsInsertAndUpdate(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	fields := map[string]any{"name": "University of X", "state": "NY"}
	payload := []byte(`{"name":"University of X","state":"NY"}`)

	mock.ExpectQuery("INSERT INTO institutions").
		WithArgs("key-1", payload, s.now()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO institutions").
		WithArgs("key-1", payload, s.now()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	res, err := s.Upsert(context.Background(), crawler.KindInstitution, "key-1", fields)
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertInserted, res)

	res, err = s.Upsert(context.Background(), crawler.KindInstitution, "key-1", fields)
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertUpdated, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertClassifiesErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name      string
		err       error
		transient bool
		conflict  bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, false, true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true, false},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true, false},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false, false},
		{"canceled", context.Canceled, false, false},
		{"opaque", errors.New("boom"), false, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, mock := newMockStore(t)
			mock.ExpectQuery("INSERT INTO deadlines").
				WithArgs("k", pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnError(tc.err)

			_, err := s.Upsert(context.Background(), crawler.KindDeadline, "k", map[string]any{"title": "x"})
			require.Error(t, err)
			require.Equal(t, tc.transient, crawler.IsTransient(err))
			require.Equal(t, tc.conflict, crawler.IsConflict(err))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestUpsertUnknownKindIsConflict(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	_, err := s.Upsert(context.Background(), crawler.RecordKind("campus"), "k", nil)
	require.True(t, crawler.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectBuildsContainmentFilter(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	updated := time.Unix(1700000500, 0).UTC()

	mock.ExpectQuery(`SELECT unique_key, fields, updated_at FROM programs WHERE fields @> \$1 AND unique_key = \$2 ORDER BY unique_key`).
		WithArgs([]byte(`{"institution_ref":"X"}`), "k1").
		WillReturnRows(pgxmock.NewRows([]string{"unique_key", "fields", "updated_at"}).
			AddRow("k1", []byte(`{"name":"Math","institution_ref":"X"}`), updated))

	rows, err := s.Select(context.Background(), crawler.KindProgram, map[string]any{
		"institution_ref": "X",
		"unique_key":      "k1",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, crawler.KindProgram, rows[0].Kind)
	require.Equal(t, "Math", rows[0].Fields["name"])
	require.Equal(t, updated, rows[0].UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectWithoutFilter(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT unique_key, fields, updated_at FROM deadlines ORDER BY unique_key`).
		WillReturnRows(pgxmock.NewRows([]string{"unique_key", "fields", "updated_at"}))

	rows, err := s.Select(context.Background(), crawler.KindDeadline, nil)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	for _, table := range []string{"institutions", "programs", "deadlines", "ingest_job_runs"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaPropagatesError(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS institutions").WillReturnError(errors.New("denied"))
	require.ErrorContains(t, s.EnsureSchema(context.Background()), "institutions")
}
