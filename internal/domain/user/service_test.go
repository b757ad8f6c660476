package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, login, passwordHash string) (int, error) {
	args := m.Called(ctx, login, passwordHash)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) FindByLogin(ctx context.Context, login string) (User, error) {
	args := m.Called(ctx, login)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockRepository) TouchLogin(ctx context.Context, id int, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

const strongPassword = "Str0ng!pass"

func newService(repo Repository) *Service {
	return NewService(repo, NewCredentialPolicy(), slog.Default())
}

func TestService_Register(t *testing.T) {
	mockRepo := new(MockRepository)
	service := newService(mockRepo)

	mockRepo.On("Create", mock.Anything, "manager", mock.MatchedBy(func(hash string) bool {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(strongPassword)) == nil
	})).Return(123, nil)

	userID, err := service.Register(context.Background(), "manager", strongPassword)
	require.NoError(t, err)
	assert.Equal(t, 123, userID)

	mockRepo.AssertExpectations(t)
}

func TestService_Register_InvalidInput(t *testing.T) {
	mockRepo := new(MockRepository)
	service := newService(mockRepo)

	_, err := service.Register(context.Background(), "manager", "weak")
	assert.ErrorIs(t, err, ErrInvalidInput)
	mockRepo.AssertNotCalled(t, "Create")
}

func TestService_Register_AlreadyExists(t *testing.T) {
	mockRepo := new(MockRepository)
	service := newService(mockRepo)

	mockRepo.On("Create", mock.Anything, "manager", mock.AnythingOfType("string")).Return(0, ErrAlreadyExists)

	_, err := service.Register(context.Background(), "manager", strongPassword)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestService_Authenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(strongPassword), bcrypt.MinCost)
	require.NoError(t, err)
	stored := User{ID: 7, Login: "manager", PasswordHash: string(hash)}

	tests := []struct {
		name     string
		login    string
		password string
		found    User
		findErr  error
		wantErr  error
	}{
		{name: "success", login: "manager", password: strongPassword, found: stored},
		{name: "wrong password", login: "manager", password: "Wr0ng!pass", found: stored, wantErr: ErrInvalidAuth},
		{name: "unknown login", login: "nobody", password: strongPassword, findErr: ErrNotFound, wantErr: ErrInvalidAuth},
		{name: "storage failure", login: "manager", password: strongPassword, findErr: errors.New("conn reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := new(MockRepository)
			service := newService(mockRepo)
			mockRepo.On("FindByLogin", mock.Anything, tt.login).Return(tt.found, tt.findErr)
			mockRepo.On("TouchLogin", mock.Anything, stored.ID, mock.AnythingOfType("time.Time")).Return(nil).Maybe()

			u, err := service.Authenticate(context.Background(), tt.login, tt.password)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.findErr != nil:
				assert.ErrorContains(t, err, "conn reset")
			default:
				require.NoError(t, err)
				assert.Equal(t, stored.ID, u.ID)
			}
		})
	}
}

func TestService_Authenticate_InvalidLogin(t *testing.T) {
	mockRepo := new(MockRepository)
	service := newService(mockRepo)

	_, err := service.Authenticate(context.Background(), "a", strongPassword)
	assert.ErrorIs(t, err, ErrInvalidAuth)
	mockRepo.AssertNotCalled(t, "FindByLogin")
}

func TestService_LoginsAreCaseInsensitive(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(strongPassword), bcrypt.MinCost)
	require.NoError(t, err)

	mockRepo := new(MockRepository)
	service := newService(mockRepo)
	mockRepo.On("FindByLogin", mock.Anything, "anna@acme.io").
		Return(User{ID: 3, Login: "anna@acme.io", PasswordHash: string(hash)}, nil)
	mockRepo.On("TouchLogin", mock.Anything, 3, mock.AnythingOfType("time.Time")).
		Return(errors.New("read only"))

	u, err := service.Authenticate(context.Background(), "  Anna@ACME.io ", strongPassword)
	require.NoError(t, err, "a failed login stamp does not fail the login")
	assert.Equal(t, 3, u.ID)
	mockRepo.AssertExpectations(t)
}
