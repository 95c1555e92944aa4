package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "grants", []string{"grant_id", "data"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"grants"}, []string{"grant_id", "data"}).WillReturnResult(3)

	rows := [][]any{{"g-1", "{}"}, {"g-2", "{}"}, {"g-3", "{}"}}
	n, err := CopyFrom(context.Background(), mock, "grants", []string{"grant_id", "data"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_InsideTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"entities"}, []string{"kind", "org_id"}).WillReturnResult(2)
	mock.ExpectCommit()

	err = WithTx(context.Background(), mock, func(tx pgx.Tx) error {
		n, err := CopyFrom(context.Background(), tx, "entities", []string{"kind", "org_id"},
			[][]any{{"funder", "GB-CHC-1"}, {"recipient", "GB-COH-2"}})
		assert.Equal(t, int64(2), n)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"grants"}, []string{"grant_id", "data"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "grants", []string{"grant_id", "data"}, [][]any{{"g-1", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO grants")
	assert.NoError(t, mock.ExpectationsWereMet())
}
