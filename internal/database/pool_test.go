package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockGorm(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return mockDB, mock, gormDB
}

func newTestPool(t *testing.T, gormDB *gorm.DB) *PoolManager {
	t.Helper()
	cfg := DefaultPoolConfig()
	cfg.HealthCheckInterval = 0
	pm, err := NewPoolManager(gormDB, cfg, zap.NewNop())
	require.NoError(t, err)
	return pm
}

func TestNewPoolManagerRejectsBadInput(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	require.Error(t, err)

	mockDB, _, gormDB := newMockGorm(t)
	defer mockDB.Close()

	bad := DefaultPoolConfig()
	bad.MaxOpenConns = 0
	_, err = NewPoolManager(gormDB, bad, zap.NewNop())
	require.Error(t, err)
}

func TestPoolConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultPoolConfig().Validate())

	cfg := PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}
	assert.Error(t, cfg.Validate())

	cfg = PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}
	assert.Error(t, cfg.Validate())

	cfg = PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}
	assert.Error(t, cfg.Validate())
}

func TestPoolManagerPing(t *testing.T) {
	mockDB, mock, gormDB := newMockGorm(t)
	defer mockDB.Close()
	pm := newTestPool(t, gormDB)

	mock.ExpectPing()
	assert.NoError(t, pm.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, pm.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManagerPingAfterClose(t *testing.T) {
	mockDB, mock, gormDB := newMockGorm(t)
	pm := newTestPool(t, gormDB)

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())

	err := pm.Ping(context.Background())
	assert.ErrorContains(t, err, "pool is closed")
	_ = mockDB
}

func TestPoolManagerStats(t *testing.T) {
	mockDB, _, gormDB := newMockGorm(t)
	defer mockDB.Close()
	pm := newTestPool(t, gormDB)

	stats := pm.Stats()
	assert.Equal(t, DefaultPoolConfig().MaxOpenConns, stats.MaxOpenConnections)
}

func TestWithTransactionCommits(t *testing.T) {
	mockDB, mock, gormDB := newMockGorm(t)
	defer mockDB.Close()
	pm := newTestPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectCommit()

	called := false
	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	mockDB, mock, gormDB := newMockGorm(t)
	defer mockDB.Close()
	pm := newTestPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRetryOnDeadlock(t *testing.T) {
	mockDB, mock, gormDB := newMockGorm(t)
	defer mockDB.Close()
	pm := newTestPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithTransactionRetryStopsOnPermanentError(t *testing.T) {
	mockDB, mock, gormDB := newMockGorm(t)
	defer mockDB.Close()
	pm := newTestPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	err := pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		return errors.New("ERROR: duplicate key value violates unique constraint")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryableTxError(t *testing.T) {
	assert.False(t, retryableTxError(nil))
	assert.True(t, retryableTxError(errors.New("could not serialize access (SQLSTATE 40001)")))
	assert.True(t, retryableTxError(errors.New("deadlock detected")))
	assert.True(t, retryableTxError(errors.New("driver: bad connection")))
	assert.True(t, retryableTxError(errors.New("read tcp: connection reset by peer")))
	assert.False(t, retryableTxError(errors.New("record not found")))
}

func TestHealthLoopStopsOnClose(t *testing.T) {
	mockDB, mock, gormDB := newMockGorm(t)

	cfg := DefaultPoolConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	pm, err := NewPoolManager(gormDB, cfg, zap.NewNop())
	require.NoError(t, err)

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 16; i++ {
		mock.ExpectPing()
	}
	time.Sleep(35 * time.Millisecond)

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	_ = mockDB
}
