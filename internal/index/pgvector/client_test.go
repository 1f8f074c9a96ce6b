package pgvector

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-eval/backend/internal/index"
)

func newMock(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, 2), mock
}

func TestInitSchema(t *testing.T) {
	c, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION IF NOT EXISTS vector`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS "rag_vector_index" .*embedding VECTOR\(2\)`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCommits(t *testing.T) {
	c, mock := newMock(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO "rag_vector_index"`)
	prep.ExpectExec().WithArgs(int64(1), int64(7), "east", "[1.00000000,0.00000000]").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(int64(2), int64(7), "north", "[0.00000000,1.00000000]").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := c.Upsert(context.Background(), []index.Entry{
		{ChunkID: 1, DocumentID: 7, Content: "east", Embedding: []float64{1, 0}},
		{ChunkID: 2, DocumentID: 7, Content: "north", Embedding: []float64{0, 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRollsBackOnError(t *testing.T) {
	c, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO`).ExpectExec().WillReturnError(errors.New("dimension mismatch"))
	mock.ExpectRollback()

	_, err := c.Upsert(context.Background(), []index.Entry{{ChunkID: 1, Embedding: []float64{1, 0}}})
	assert.ErrorContains(t, err, "dimension mismatch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch(t *testing.T) {
	c, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"chunk_id", "content", "score"}).
		AddRow(int64(2), "north", 0.8).
		AddRow(int64(1), "east", nil)
	mock.ExpectQuery(`SELECT chunk_id, content, 1 - \(embedding <=> \$1::vector\) AS score`).
		WithArgs("[0.60000000,0.80000000]", 2).
		WillReturnRows(rows)

	hits, err := c.Search(context.Background(), []float64{0.6, 0.8}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, index.Hit{ChunkID: 2, Content: "north", Score: 0.8}, hits[0])
	assert.Equal(t, 0.0, hits[1].Score)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	c, mock := newMock(t)

	mock.ExpectExec(`DELETE FROM "rag_vector_index" WHERE chunk_id = ANY`).WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, c.Delete(context.Background(), []int64{1, 2}))
	require.NoError(t, c.Delete(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
