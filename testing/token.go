package testing

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// mintKey signs test tokens. Symmetric because nothing in these tests
// verifies signatures; session.TokenExpiry only reads claims.
var mintKey = []byte("premiumkit-test-signing-key")

// MintToken creates a signed HS256 bearer token with the given subject and
// expiry, shaped like the access tokens the remote store's gateway accepts.
func MintToken(userID uuid.UUID, expiresAt time.Time) string {
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"aud": "premiumkit-test",
		"iat": time.Now().Unix(),
		"exp": expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(mintKey)
	if err != nil {
		panic("failed to sign test token: " + err.Error())
	}
	return signed
}

// MintExpiredToken creates a token whose exp claim is already in the past.
func MintExpiredToken(userID uuid.UUID) string {
	return MintToken(userID, time.Now().Add(-time.Hour))
}
