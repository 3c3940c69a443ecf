// Package authtest provides Authenticator doubles for tests and local runs.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-session-router/auth"
)

// Tokens accepts a fixed set of opaque tokens, mapping each to a user id.
type Tokens map[string]string

var _ auth.Authenticator = Tokens(nil)

// CheckAuthentication returns the user bound to tok or auth.ErrUnauthorized.
func (t Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	id, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User{ID: id}, nil
}

// User is a static principal.
type User struct {
	ID     string
	Extras map[string]any
}

func (u User) UserID() string { return u.ID }

func (u User) Claims(ref any) error {
	claims := map[string]any{"sub": u.ID}
	for k, v := range u.Extras {
		claims[k] = v
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
