package firebaseauth

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshSkew is how long before expiry an ID token is considered stale.
const refreshSkew = 5 * time.Minute

// tokenExpiry reads the exp claim of an ID token. The signature is not checked:
// the token came straight from the provider and the QA backend verifies it.
// When the token cannot be decoded the expiresIn hint (seconds) is used.
func tokenExpiry(idToken, expiresIn string, now time.Time) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	secs, err := strconv.Atoi(strings.TrimSpace(expiresIn))
	if err != nil || secs <= 0 {
		secs = 3600
	}
	return now.Add(time.Duration(secs) * time.Second)
}

func isFresh(expiresAt, now time.Time) bool {
	return now.Add(refreshSkew).Before(expiresAt)
}
