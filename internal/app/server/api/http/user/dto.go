package user

import "time"

// Credentials is the body of both register and login.
type Credentials struct {
	Login    string `json:"login" minLength:"1" maxLength:"64" example:"rep@acme.io"`
	Password string `json:"password" minLength:"1" maxLength:"128"`
}

type registerInput struct {
	Body Credentials
}

type registerOutput struct {
	Body RegisterResponse
}

type RegisterResponse struct {
	ID int `json:"user_id"`
	LoginResponse
}

type loginInput struct {
	Body Credentials
}

type loginOutput struct {
	Body LoginResponse
}

// LoginResponse carries the bearer token for subsequent sync calls.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at" doc:"Token expiry; the client must log in again afterwards"`
}
