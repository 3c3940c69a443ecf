package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Info is the bearer metadata attached to a forwarded request. Token is the
// raw Authorization header value. User is set only when an Authenticator
// verified the token.
type Info struct {
	Token string
	User  UserInfo
}

type infoKey struct{}

// WithInfo returns a copy of ctx carrying info.
func WithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// FromContext returns the Info attached to ctx, if any.
func FromContext(ctx context.Context) (*Info, bool) {
	info, ok := ctx.Value(infoKey{}).(*Info)
	return info, ok && info != nil
}

// FromRequest returns the request's Authorization header as unverified
// metadata, or nil when the header is absent.
func FromRequest(r *http.Request) *Info {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil
	}
	return &Info{Token: h}
}

// BearerToken strips the "Bearer " scheme from an Authorization value. It
// returns "" for any other scheme.
func BearerToken(header string) string {
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
