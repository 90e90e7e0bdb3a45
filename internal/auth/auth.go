// Package auth resolves which user a gateway connection belongs to.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no valid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is an authenticated user.
type Identity struct {
	UserID string
}

// OwnerValue is the value written to a table's owner column. Numeric user
// ids are stored as integers so that they compare equal to integer owner
// values already in the database.
func (i Identity) OwnerValue() any {
	if n, err := strconv.ParseInt(i.UserID, 10, 64); err == nil {
		return n
	}
	return i.UserID
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// TokenAuthenticator maps static bearer tokens to user ids.
type TokenAuthenticator struct {
	tokens map[string]string
}

// NewTokenAuthenticator creates an authenticator from a token→user id map.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	cp := make(map[string]string, len(tokens))
	for tok, user := range tokens {
		if tok != "" && user != "" {
			cp[tok] = user
		}
	}
	return &TokenAuthenticator{tokens: cp}
}

// Authenticate accepts "Authorization: Bearer <token>" or, for clients that
// cannot set upgrade headers, a token query parameter.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	tok := TokenFromRequest(r)
	if tok == "" {
		return Identity{}, ErrUnauthenticated
	}

	// Compare against every token so timing does not reveal a prefix match.
	var user string
	for candidate, id := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(tok)) == 1 {
			user = id
		}
	}
	if user == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: user}, nil
}

// TokenFromRequest extracts the bearer token from r.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
