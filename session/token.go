package session

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrCredentialExpired marks an error as a credential-expiry failure.
// Providers and stores may wrap it to make classification exact.
var ErrCredentialExpired = errors.New("session: credential expired")

// TokenExpiry extracts the exp claim from a bearer token without verifying
// its signature. The token was verified by the issuing side; here we only
// need its lifetime to schedule refreshes.
func TokenExpiry(raw string) (time.Time, error) {
	tok, err := jwt.ParseString(raw, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return time.Time{}, err
	}
	exp := tok.Expiration()
	if exp.IsZero() {
		return time.Time{}, errors.New("session: token has no expiry")
	}
	return exp, nil
}

// TokenExpired reports whether a bearer token's exp claim is in the past.
func TokenExpired(raw string, now time.Time) bool {
	exp, err := TokenExpiry(raw)
	if err != nil {
		return true
	}
	return !exp.After(now)
}

// Postgres SQLSTATEs raised when an authenticated connection's credentials
// stop being accepted.
const (
	sqlstateInvalidAuthorization = "28000"
	sqlstateInvalidPassword      = "28P01"
)

// IsCredentialExpired reports whether err carries a credential-expiry
// signature: the explicit sentinel, a jwx validation failure on exp, a
// Postgres authorization SQLSTATE, or a recognizable message from the
// remote store's token gate.
func IsCredentialExpired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCredentialExpired) {
		return true
	}
	if errors.Is(err, jwt.ErrTokenExpired()) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == sqlstateInvalidAuthorization || pgErr.Code == sqlstateInvalidPassword {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "jwt expired") ||
		strings.Contains(msg, "token is expired") ||
		strings.Contains(msg, "invalid jwt")
}
