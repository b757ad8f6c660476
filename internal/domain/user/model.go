package user

import (
	"strings"
	"time"
)

type User struct {
	ID           int
	Login        string
	PasswordHash string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
}

// NormalizeLogin folds case and trims spaces; logins are usually emails.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
