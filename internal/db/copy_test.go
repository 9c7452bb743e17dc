package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var resultColumns = []string{"job_id", "identifier"}

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "item_results", resultColumns, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"item_results"}, resultColumns).WillReturnResult(3)

	rows := [][]any{{"job", "A"}, {"job", "B"}, {"job", "C"}}
	n, err := CopyFrom(context.Background(), mock, "item_results", resultColumns, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_ShortWrite(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"item_results"}, resultColumns).WillReturnResult(1)

	rows := [][]any{{"job", "A"}, {"job", "B"}}
	_, err = CopyFrom(context.Background(), mock, "item_results", resultColumns, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrote 1 of 2 rows")
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"item_results"}, resultColumns).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "item_results", resultColumns, [][]any{{"job", "A"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO item_results")
	assert.NoError(t, mock.ExpectationsWereMet())
}
