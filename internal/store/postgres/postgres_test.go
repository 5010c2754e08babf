package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

var _ store.Repository = (*Store)(nil)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func checkoutBatch() *store.Batch {
	return store.NewBatch().
		InsertInvoice(domain.Invoice{
			ID: "inv-1",
			Items: []domain.InvoiceItem{
				{ProductID: "p1", Name: "Teh", Price: decimal.NewFromInt(5000), Quantity: 2, LineTotal: decimal.NewFromInt(10000)},
			},
			TotalAmount: decimal.NewFromInt(10000),
		}).
		IncrementStock("p1", -2)
}

func TestCommitWritesInOneTransaction(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT now()`)).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(now))
	mock.ExpectExec(`INSERT INTO invoices`).WithArgs("inv-1", now, nil, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO invoice_items`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE products\s+SET stock = stock \+ \$2`).WithArgs("p1", -2).WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(8))
	mock.ExpectCommit()

	committed, err := s.Commit(context.Background(), checkoutBatch())
	require.NoError(t, err)
	assert.Equal(t, now, committed.At)
	assert.Equal(t, 8, committed.Stock["p1"])
	require.Len(t, committed.Invoices, 1)
	assert.Equal(t, now, committed.Invoices[0].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRollsBackWhenStockUpdateFails(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT now()`)).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO invoices`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO invoice_items`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE products`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.Commit(context.Background(), checkoutBatch())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRollsBackWhenProductMissing(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT now()`)).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO invoices`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO invoice_items`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE products`).WillReturnRows(sqlmock.NewRows([]string{"stock"}))
	mock.ExpectRollback()

	_, err := s.Commit(context.Background(), checkoutBatch())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitGuardRejectsNegativeStock(t *testing.T) {
	s, mock := newMock(t)
	batch := store.NewBatch().IncrementStock("p1", -20)
	batch.GuardNonNegative = true

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT now()`)).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))
	mock.ExpectQuery(`UPDATE products`).WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(-5))
	mock.ExpectRollback()

	_, err := s.Commit(context.Background(), batch)
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitCounterConflict(t *testing.T) {
	s, mock := newMock(t)
	batch := store.NewBatch().
		InsertProduct(domain.Product{ID: "p9", DisplayCode: "SP000008", Name: "Gula"}).
		SetCounter(domain.ProductCounterKey, 7, 8)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT now()`)).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))
	mock.ExpectExec(`UPDATE counters SET last_id`).WithArgs(domain.ProductCounterKey, int64(7), int64(8)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.Commit(context.Background(), batch)
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFirstCounterUsesUpsert(t *testing.T) {
	s, mock := newMock(t)
	batch := store.NewBatch().
		InsertProduct(domain.Product{ID: "p1", DisplayCode: "SP000001", Name: "Teh", Stock: 5}).
		SetCounter(domain.ProductCounterKey, 0, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT now()`)).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO counters`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO products`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	committed, err := s.Commit(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, committed.Products, 1)
	assert.Equal(t, "SP000001", committed.Products[0].DisplayCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO app_users`).WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := s.CreateUser(context.Background(), domain.UserAccount{ID: "u1", Email: "a@toko.id", PasswordHash: "hash"})
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCounterMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT last_id FROM counters`).WillReturnRows(sqlmock.NewRows([]string{"last_id"}))

	_, err := s.GetCounter(context.Background(), domain.ProductCounterKey)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteProductNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`DELETE FROM products`).WithArgs("nope").WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, s.DeleteProduct(context.Background(), "nope"), store.ErrNotFound)
}
