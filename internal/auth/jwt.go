package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload a CLASP bearer token carries: the subject plus
// a space-separated scope grammar string ("read:/lights/** write:/mixer/*").
type Claims struct {
	Subject string `json:"sub"`
	Scopes  string `json:"scopes"`
	jwt.RegisteredClaims
}

// JWTValidator implements Validator over HS256 bearer tokens, grounded on
// the same golang-jwt/jwt/v5 parse-and-verify flow as the teacher's
// JWTManager, generalized from role strings to the CLASP scope grammar.
type JWTValidator struct {
	secretKey []byte
}

// NewJWTValidator constructs a validator that verifies tokens signed with
// secretKey using HMAC.
func NewJWTValidator(secretKey string) *JWTValidator {
	return &JWTValidator{secretKey: []byte(secretKey)}
}

func (v *JWTValidator) Validate(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("auth: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("auth: invalid token claims")
	}

	scopes, err := parseScopes(claims.Scopes)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: claims.Subject, Scopes: scopes}, nil
}

func parseScopes(s string) ([]Scope, error) {
	fields := strings.Fields(s)
	out := make([]Scope, 0, len(fields))
	for _, f := range fields {
		sc, err := ParseScope(f)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// Issue mints a bearer token for subject carrying scopes, signed with
// secretKey. Provided mainly for tests and the demo entry point; CLASP
// itself never issues tokens, only verifies them (§6).
func Issue(secretKey, subject string, scopes []Scope, ttl time.Duration) (string, error) {
	parts := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		parts = append(parts, string(sc.Action)+":"+sc.Pattern.String())
	}
	claims := &Claims{
		Subject: subject,
		Scopes:  strings.Join(parts, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secretKey))
}
