package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "skiff"

// Claims are carried by tokens minted with Issue. Scope is "run" for
// clients that may start workflows and "read" for dashboards.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Validator checks bearer credentials: a static API token, HS256 tokens
// signed with the shared secret, or both.
type Validator struct {
	staticToken string
	secret      []byte
	now         func() time.Time
}

func NewValidator(staticToken, secret string) *Validator {
	v := &Validator{staticToken: staticToken, now: time.Now}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

// Enabled reports whether any credential is configured.
func (v *Validator) Enabled() bool {
	return v.staticToken != "" || len(v.secret) > 0
}

// Issue mints a token for subject valid for ttl.
func (v *Validator) Issue(subject, scope string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := v.now()
	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate accepts the static token or a signed token. The static token is
// treated as full "run" scope.
func (v *Validator) Validate(token string) (*Claims, error) {
	if v.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.staticToken)) == 1 {
		return &Claims{Scope: "run", RegisteredClaims: jwt.RegisteredClaims{Subject: "api-token"}}, nil
	}
	if len(v.secret) == 0 {
		return nil, errors.New("invalid token")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer credential. Paths in
// public are served without one. Read-scoped tokens may only use GET.
func (v *Validator) Middleware(public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := v.Validate(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if claims.Scope == "read" && r.Method != http.MethodGet {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
