package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "waitlist-service"

var errUnauthorized = errors.New("unauthorized")

type AuthConfig struct {
	Username     string
	PasswordHash string
	Secret       []byte
	TTL          time.Duration
	Now          func() time.Time
}

// Authenticator checks the single admin account and issues HS256 bearer tokens.
type Authenticator struct {
	username     string
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	now          func() time.Time
}

type authContextKey struct{}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authenticator{
		username:     cfg.Username,
		passwordHash: []byte(cfg.PasswordHash),
		secret:       cfg.Secret,
		ttl:          cfg.TTL,
		now:          cfg.Now,
	}
}

// Login verifies the credentials and returns a signed token with its expiry.
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	if len(a.passwordHash) == 0 || len(a.secret) == 0 {
		return "", time.Time{}, errUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) != 1 {
		return "", time.Time{}, errUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, errUnauthorized
	}

	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify returns the admin name carried by a valid, unexpired token.
func (a *Authenticator) Verify(raw string) (string, error) {
	if raw == "" || len(a.secret) == 0 {
		return "", errUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return "", errUnauthorized
	}
	if claims.Subject != a.username {
		return "", errUnauthorized
	}
	return claims.Subject, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		admin, err := a.Verify(bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			log.Debug().Str("path", r.URL.Path).Msg("rejected admin request")
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, admin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminFromContext(ctx context.Context) string {
	admin, _ := ctx.Value(authContextKey{}).(string)
	return admin
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
