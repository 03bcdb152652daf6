package channel

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew treats tokens about to expire as already expired.
const expirySkew = 5 * time.Second

// tokenExpired reports whether a JWT's exp claim has passed. The signature
// is not checked; the server does that. Opaque tokens never expire locally.
func tokenExpired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now.Add(expirySkew))
}
