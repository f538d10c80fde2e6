// Package auth checks the security-check token daemons present when they
// join a fleet.
//
// Token generation and distribution belong to the launcher; this package only
// compares what a peer presents against what this daemon was handed.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a token presented by a peer.
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

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// AllowAll accepts every token. Used when no security check was configured.
var AllowAll Validator = FuncValidator(func(string) error { return nil })

// ForToken returns a StaticToken validator, or AllowAll when token is empty.
func ForToken(token string) Validator {
	if token == "" {
		return AllowAll
	}
	return StaticToken{Token: token}
}
