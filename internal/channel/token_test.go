package channel

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"empty", "", true},
		{"opaque", "not-a-jwt", false},
		{"no exp", sign(jwt.MapClaims{"sub": "me"}), false},
		{"expired", sign(jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}), true},
		{"about to expire", sign(jwt.MapClaims{"exp": now.Add(time.Second).Unix()}), true},
		{"valid", sign(jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenExpired(tt.token, now); got != tt.want {
				t.Errorf("tokenExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}
