// Package auth implements bearer-credential verification for Parley.
//
// Clients present a signed JWT once, at connection handshake time. The
// Authenticator validates the signature and expiry and then confirms the
// subject still exists in the datastore, so deleted accounts cannot keep
// connecting with old tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
)

var (
	ErrUnauthenticated   = errors.New("authentication token required")
	ErrInvalidCredential = errors.New("invalid authentication token")
)

// Claims is the payload stored inside a Parley JWT.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken creates a signed JWT for a user.
func IssueToken(secret []byte, user *model.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: user.ID,
		Role:   user.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "parley",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyToken parses and validates the signature and expiration of a JWT.
func VerifyToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// Authenticator verifies bearer credentials against the user store.
type Authenticator struct {
	secret []byte
	store  datastore.DataProviderFactory
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(secret []byte, store datastore.DataProviderFactory) *Authenticator {
	return &Authenticator{secret: secret, store: store}
}

// Authenticate resolves a bearer token to the identity it names.
// Returns ErrUnauthenticated for a missing token and ErrInvalidCredential
// for a bad signature, expired token, or vanished user.
func (a *Authenticator) Authenticate(_ context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := VerifyToken(a.secret, token)
	if err != nil {
		return nil, err
	}
	user, err := a.store.NonTx().GetUserByID(claims.UserID)
	if errors.Is(err, datastore.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: unknown user", ErrInvalidCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup user: %w", err)
	}
	return user, nil
}

// BearerFromRequest extracts the credential from an HTTP upgrade request:
// the "token" query parameter or an "Authorization: Bearer" header.
func BearerFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return rest
	}
	return ""
}
