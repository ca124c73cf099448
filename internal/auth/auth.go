// Package auth validates the token a client presents when it attaches to
// an agent session.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an attach token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AllowAll accepts any token. Kernels without a configured token use it.
type AllowAll struct{}

func (AllowAll) Validate(string) error { return nil }

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// ForToken returns StaticToken for a non-empty token and AllowAll otherwise.
func ForToken(token string) Validator {
	if strings.TrimSpace(token) == "" {
		return AllowAll{}
	}
	return StaticToken{Token: token}
}
