package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, userID int, tokenHash string, expiresAt time.Time) error {
	args := m.Called(ctx, userID, tokenHash, expiresAt)
	return args.Error(0)
}

func (m *MockRepository) Validate(ctx context.Context, tokenHash string) (int, error) {
	args := m.Called(ctx, tokenHash)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func TestService_Create(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, time.Hour, slog.Default())
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	service.now = func() time.Time { return fixed }

	var storedHash string
	mockRepo.On("Create", mock.Anything, 123, mock.MatchedBy(func(hash string) bool {
		storedHash = hash
		return len(hash) == 64
	}), fixed.Add(time.Hour)).Return(nil)

	issued, err := service.Create(context.Background(), 123)
	require.NoError(t, err)
	// 32 random bytes in padded base64.
	assert.Len(t, issued.Token, 44)
	assert.Equal(t, hashToken(issued.Token), storedHash)
	assert.Equal(t, fixed.Add(time.Hour), issued.ExpiresAt)

	mockRepo.AssertExpectations(t)
}

func TestService_Create_DefaultTTL(t *testing.T) {
	service := NewService(new(MockRepository), 0, slog.Default())
	assert.Equal(t, DefaultTTL, service.ttl)
}

func TestService_Create_RepositoryError(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, time.Hour, slog.Default())

	mockRepo.On("Create", mock.Anything, 123, mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).
		Return(errors.New("database error"))

	_, err := service.Create(context.Background(), 123)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database error")
}

func TestService_Validate(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		userID  int
		repoErr error
		wantErr error
	}{
		{name: "valid", token: "tok", userID: 42},
		{name: "expired", token: "old", repoErr: ErrInvalidSession, wantErr: ErrInvalidSession},
		{name: "empty token", token: "", wantErr: ErrInvalidSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := new(MockRepository)
			service := NewService(mockRepo, time.Hour, slog.Default())
			if tt.token != "" {
				mockRepo.On("Validate", mock.Anything, hashToken(tt.token)).Return(tt.userID, tt.repoErr)
			}

			got, err := service.Validate(context.Background(), tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.userID, got)
			mockRepo.AssertExpectations(t)
		})
	}
}

func TestService_Purge(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, time.Hour, slog.Default())
	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mockRepo.On("PurgeExpired", mock.Anything, before).Return(int64(3), nil)

	n, err := service.Purge(context.Background(), before)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
