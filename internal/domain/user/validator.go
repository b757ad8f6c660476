package user

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	MinLoginLen    = 3
	MaxLoginLen    = 64
	MinPasswordLen = 8
	MaxPasswordLen = 128
)

var (
	errLoginLength    = fmt.Errorf("login must be %d to %d characters", MinLoginLen, MaxLoginLen)
	errLoginChars     = errors.New("login may contain letters, digits and _ - . @ only")
	errPasswordLength = fmt.Errorf("password must be %d to %d characters", MinPasswordLen, MaxPasswordLen)
	errPasswordWeak   = errors.New("password must mix at least three of: lowercase, uppercase, digits, symbols")
)

type Validator interface {
	ValidateRegister(login, password string) error
	ValidateLogin(login string) error
	ValidatePassword(password string) error
}

// CredentialPolicy checks account credentials. Logins are usually work
// emails, so '@' and '.' are allowed.
type CredentialPolicy struct {
	// MinClasses is how many character classes a password needs.
	MinClasses int
}

func NewCredentialPolicy() *CredentialPolicy {
	return &CredentialPolicy{MinClasses: 3}
}

func (p *CredentialPolicy) ValidateRegister(login, password string) error {
	return errors.Join(p.ValidateLogin(login), p.ValidatePassword(password))
}

func (p *CredentialPolicy) ValidateLogin(login string) error {
	if n := len(login); n < MinLoginLen || n > MaxLoginLen {
		return errLoginLength
	}
	if strings.IndexFunc(login, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("_-.@", r)
	}) >= 0 {
		return errLoginChars
	}
	return nil
}

func (p *CredentialPolicy) ValidatePassword(password string) error {
	if n := len(password); n < MinPasswordLen || n > MaxPasswordLen {
		return errPasswordLength
	}
	if classes(password) < p.MinClasses {
		return errPasswordWeak
	}
	return nil
}

func classes(s string) int {
	var lower, upper, digit, symbol int
	for _, r := range s {
		switch {
		case unicode.IsLower(r):
			lower = 1
		case unicode.IsUpper(r):
			upper = 1
		case unicode.IsDigit(r):
			digit = 1
		case unicode.IsPunct(r), unicode.IsSymbol(r), unicode.IsSpace(r):
			symbol = 1
		}
	}
	return lower + upper + digit + symbol
}
