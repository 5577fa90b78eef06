// Package auth signs and parses the bearer tokens used to attribute lock
// holders and save points to a user. Login flows live elsewhere.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// DefaultTokenTTL is the lifetime of tokens issued by CreateJWT.
const DefaultTokenTTL = 7 * 24 * time.Hour

var jwtSecret []byte

// AppClaims represents the custom claims for the JWT. Subject carries the
// user id.
type AppClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Init sets the HMAC secret. An empty secret disables authentication.
func Init(secret string) {
	jwtSecret = []byte(secret)
	if len(jwtSecret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Requests will not be authenticated.")
	}
}

// Enabled reports whether a secret has been configured.
func Enabled() bool {
	return len(jwtSecret) > 0
}

func CreateJWT(userID, name string, ttl time.Duration) (string, error) {
	if !Enabled() {
		return "", fmt.Errorf("JWT_SECRET is not set")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Name: name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ParseJWT(tokenString string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AppClaims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
