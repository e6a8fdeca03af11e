package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewStore(StoreParams{DB: db, Node: node}), mock
}

var lockAccountSQL = regexp.QuoteMeta(`SELECT * FROM "accounts" WHERE id = $1`) + `.*FOR UPDATE`

func TestAppendEntryLocksAccountRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountSQL).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "sequence", "last_hash", "created_at", "updated_at"}).
			AddRow("acc_1", 1, 1, "abc", time.Now(), time.Now()))
	mock.ExpectRollback()

	_, err := s.AppendEntry(context.Background(), AppendParams{AccountID: "acc_1", Delta: -3, Category: CategoryAnalysisSpend})

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(2), insufficient.Shortfall())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEntryDedupesUnderLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountSQL).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "sequence", "last_hash"}).
			AddRow("acc_1", 200, 1, "abc"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "ledger_entries" WHERE external_ref = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "sequence", "delta", "category", "external_ref"}).
			AddRow("e_1", "acc_1", 1, 200, string(CategoryPurchase), "cs_1"))
	mock.ExpectCommit()

	res, err := s.AppendEntry(context.Background(), AppendParams{
		AccountID:   "acc_1",
		Delta:       200,
		Category:    CategoryPurchase,
		ExternalRef: "cs_1",
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, "e_1", res.Entry.ID)
	require.Equal(t, int64(200), res.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEntryWrapsStorageErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountSQL).WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := s.AppendEntry(context.Background(), AppendParams{AccountID: "acc_1", Delta: 5, Category: CategoryPurchase})
	require.ErrorIs(t, err, ErrStorage)
	require.NoError(t, mock.ExpectationsWereMet())
}
