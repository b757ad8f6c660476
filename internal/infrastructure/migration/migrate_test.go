package migration

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"crmsync/internal/app/server/config"
)

type MockMigrator struct {
	mock.Mock
}

func (m *MockMigrator) Up() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMigrator) Version() (uint, bool, error) {
	args := m.Called()
	return args.Get(0).(uint), args.Bool(1), args.Error(2)
}

func (m *MockMigrator) Close() (error, error) {
	args := m.Called()
	return args.Error(0), args.Error(1)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.DB.DatabaseURI = "postgres://crm@localhost/crm"
	cfg.DB.Migrations = "migrations"
	return cfg
}

func engineFor(m Migrator) Engine {
	return func(source, db string) (Migrator, error) {
		return m, nil
	}
}

func TestMigration_Up_Success(t *testing.T) {
	mockM := new(MockMigrator)
	mockM.On("Up").Return(nil)
	mockM.On("Version").Return(uint(3), false, nil)
	mockM.On("Close").Return(nil, nil)

	var gotSource, gotDB string
	engine := func(source, db string) (Migrator, error) {
		gotSource, gotDB = source, db
		return mockM, nil
	}

	err := NewMigration(testConfig(), engine, slog.Default()).Up()
	require.NoError(t, err)
	assert.Equal(t, "file://migrations", gotSource)
	assert.Equal(t, "postgres://crm@localhost/crm", gotDB)
	mockM.AssertExpectations(t)
}

func TestMigration_Up_NoChange(t *testing.T) {
	mockM := new(MockMigrator)
	mockM.On("Up").Return(migrate.ErrNoChange)
	mockM.On("Version").Return(uint(3), false, nil)
	mockM.On("Close").Return(nil, nil)

	err := NewMigration(testConfig(), engineFor(mockM), slog.Default()).Up()
	assert.NoError(t, err)
}

func TestMigration_Up_Dirty(t *testing.T) {
	mockM := new(MockMigrator)
	mockM.On("Up").Return(nil)
	mockM.On("Version").Return(uint(2), true, nil)
	mockM.On("Close").Return(nil, nil)

	err := NewMigration(testConfig(), engineFor(mockM), slog.Default()).Up()
	assert.EqualError(t, err, "migration version 2 is dirty")
}

func TestMigration_Up_Failure(t *testing.T) {
	mockM := new(MockMigrator)
	mockM.On("Up").Return(errors.New("syntax error at or near"))
	mockM.On("Close").Return(nil, errors.New("conn closed"))

	err := NewMigration(testConfig(), engineFor(mockM), slog.Default()).Up()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate up: syntax error")
	assert.Contains(t, err.Error(), "migration database: conn closed")
}

func TestMigration_Up_EngineError(t *testing.T) {
	engine := func(source, db string) (Migrator, error) {
		return nil, errors.New("engine crash")
	}

	err := NewMigration(testConfig(), engine, slog.Default()).Up()
	assert.EqualError(t, err, "engine crash")
}
