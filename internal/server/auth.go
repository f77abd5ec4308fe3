package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AuthConfig holds inbound authentication settings. With an empty key list
// and no JWT secret the gateway is open, which suits local use.
type AuthConfig struct {
	APIKeys   []string      `yaml:"api_keys"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// RequireAuth reports whether any credential mechanism is configured.
func (c *AuthConfig) RequireAuth() bool {
	return len(c.APIKeys) > 0 || c.JWTSecret != ""
}

// authenticator checks inbound bearer tokens against the configured
// allow-list and, when a secret is set, JWT signatures.
type authenticator struct {
	config *AuthConfig
	logger *logrus.Logger
}

func newAuthenticator(config *AuthConfig, logger *logrus.Logger) *authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	return &authenticator{config: config, logger: logger}
}

// authenticate validates a bearer token. Comparison against the allow-list
// is constant-time.
func (a *authenticator) authenticate(token string) bool {
	for _, key := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	if a.config.JWTSecret != "" {
		if _, err := a.validateJWT(token); err == nil {
			return true
		}
	}
	return false
}

func (a *authenticator) validateJWT(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// middleware enforces Authorization: Bearer <key> on API routes.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.RequireAuth() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			a.logger.WithFields(logrus.Fields{
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
			}).Warn("Missing bearer token")
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		if !a.authenticate(token) {
			a.logger.WithFields(logrus.Fields{
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
			}).Warn("Rejected bearer token")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}
