// README: Bearer credential issuing and verification shared by HTTP and realtime handshakes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"delivtrack/internal/modules/user"
	"delivtrack/internal/types"
)

var (
	ErrMissingCredential        = errors.New("missing credential")
	ErrInvalidCredential        = errors.New("invalid credential")
	ErrUnknownOrInactiveSubject = errors.New("unknown or inactive subject")
)

// Identity is the verified caller. It is a value: once bound to a request or
// connection it never changes.
type Identity struct {
	ID    types.ID
	Role  types.Role
	Name  string
	Email string
}

// Claims is the token payload.
type Claims struct {
	ID    string     `json:"id"`
	Role  types.Role `json:"role"`
	Email string     `json:"email"`
	Name  string     `json:"name"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

type UserLookup interface {
	Get(ctx context.Context, id types.ID) (*user.User, error)
}

type Verifier struct {
	secret []byte
	ttl    time.Duration
	users  UserLookup
}

func NewVerifier(secret string, ttl time.Duration, users UserLookup) *Verifier {
	s := strings.TrimSpace(secret)
	if s == "" {
		panic("auth: empty signing secret")
	}
	return &Verifier{secret: []byte(s), ttl: ttl, users: users}
}

// Issue signs a credential for u.
func (v *Verifier) Issue(u *user.User) (string, error) {
	if u == nil || u.ID == "" {
		return "", errors.New("auth: user without id")
	}
	if !u.Role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", u.Role)
	}
	now := time.Now().UTC()
	claims := &Claims{
		ID:    string(u.ID),
		Role:  u.Role,
		Email: u.Email,
		Name:  u.Name,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   string(u.ID),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify checks signature and expiry, then confirms the subject still exists
// and is active. Role, name and email are taken from the stored user.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(credential, claims, func(*jwtlib.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidCredential
	}
	subject := claims.ID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return Identity{}, ErrInvalidCredential
	}

	u, err := v.users.Get(ctx, types.ID(subject))
	if errors.Is(err, user.ErrNotFound) {
		return Identity{}, ErrUnknownOrInactiveSubject
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup subject: %w", err)
	}
	if !u.Active || !u.Role.Valid() {
		return Identity{}, ErrUnknownOrInactiveSubject
	}
	return Identity{ID: u.ID, Role: u.Role, Name: u.Name, Email: u.Email}, nil
}

// FromRequest extracts the bearer credential from the Authorization header or,
// for websocket upgrades where browsers cannot set headers, the token query
// parameter.
func FromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", ErrInvalidCredential
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
		return strings.TrimPrefix(q, "Bearer "), nil
	}
	return "", ErrMissingCredential
}

// ReasonCode maps a verification failure onto the code returned to clients.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrUnknownOrInactiveSubject):
		return "unknown_or_inactive_subject"
	default:
		return "authentication_error"
	}
}
