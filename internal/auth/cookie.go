// Package auth issues and verifies the signed session tokens carried in the
// session cookie or an Authorization header.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const CookieName = "session"

var ErrInvalidToken = errors.New("auth: invalid token")

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 tokens for a user id. The secret should be loaded from
// the environment.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) Issue(userID string) (string, error) {
	now := i.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// SetClock replaces the time source used to issue and check tokens.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Verify checks the signature and expiry of a token and returns its user id.
func (i *Issuer) Verify(tokenStr string) (string, error) {
	claims, err := i.parse(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Remaining reports how long a valid token has left before it expires.
func (i *Issuer) Remaining(tokenStr string) (time.Duration, error) {
	claims, err := i.parse(tokenStr)
	if err != nil {
		return 0, err
	}
	if claims.ExpiresAt == nil {
		return 0, fmt.Errorf("%w: no expiry", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time.Sub(i.now()), nil
}

func (i *Issuer) parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  i.now().Add(i.ttl),
	})
}

func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// TokenFromRequest looks for a token in the session cookie, then a Bearer
// Authorization header, then the token query parameter. Browsers cannot set
// headers on websocket upgrades, hence the last one.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
