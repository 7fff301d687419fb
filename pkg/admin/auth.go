package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAdminPass = "shardgate"
	adminPassFile    = "admin_pass.hash" // stored in data dir
)

// Claims holds the JWT claims for an authenticated admin session.
type Claims struct {
	jwt.RegisteredClaims
}

// Auth manages admin API authentication: a single admin password exchanged
// for a signed JWT. Password priority: env var > stored hash file > default.
type Auth struct {
	dataDir string
	envPass string // from SHARDGATE_ADMIN_PASS (always wins, recovery mechanism)
	jwtKey  []byte
	expiry  time.Duration
}

// NewAuth creates an auth service. If jwtSecret is empty, a random 32-byte
// key is generated, invalidating tokens across restarts.
func NewAuth(dataDir, jwtSecret string, expirySeconds int) *Auth {
	var key []byte
	if jwtSecret != "" {
		key = []byte(jwtSecret)
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	expiry := 24 * time.Hour
	if expirySeconds > 0 {
		expiry = time.Duration(expirySeconds) * time.Second
	}
	return &Auth{
		dataDir: dataDir,
		envPass: os.Getenv("SHARDGATE_ADMIN_PASS"),
		jwtKey:  key,
		expiry:  expiry,
	}
}

// CheckPassword verifies the admin password.
func (a *Auth) CheckPassword(password string) bool {
	if a.envPass != "" {
		return subtle.ConstantTimeCompare([]byte(password), []byte(a.envPass)) == 1
	}
	if a.dataDir != "" {
		hashPath := filepath.Join(a.dataDir, adminPassFile)
		if hash, err := os.ReadFile(hashPath); err == nil {
			return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
		}
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(defaultAdminPass)) == 1
}

// ChangePassword stores a new bcrypt hash in the data directory.
func (a *Auth) ChangePassword(newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if a.dataDir == "" {
		return nil // nowhere to store it
	}
	return os.WriteFile(filepath.Join(a.dataDir, adminPassFile), hash, 0600)
}

// IsUsingDefault reports whether the default password is still in effect.
func (a *Auth) IsUsingDefault() bool {
	if a.envPass != "" {
		return false
	}
	if a.dataDir != "" {
		if _, err := os.Stat(filepath.Join(a.dataDir, adminPassFile)); err == nil {
			return false
		}
	}
	return true
}

// IssueToken signs a fresh admin JWT.
func (a *Auth) IssueToken() (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			Issuer:    "shardgate",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// ValidateToken parses and validates a JWT token string.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// tokenFromRequest pulls the bearer token off a request. The websocket feed
// cannot set headers from browsers, so a query parameter is also accepted.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authMiddleware wraps the API mux to require a valid admin token on every
// route except login.
func (a *Admin) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/auth/login") {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := a.auth.ValidateToken(tokenFromRequest(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAuthLogin handles POST /api/auth/login
func (a *Admin) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if !a.auth.CheckPassword(req.Password) {
		log.Printf("admin: failed login attempt from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, err := a.auth.IssueToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	log.Printf("admin: successful login from %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"token":            token,
		"default_password": a.auth.IsUsingDefault(),
	})
}

// handleAuthChangePassword handles POST /api/auth/change-password
func (a *Admin) handleAuthChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current"`
		New     string `json:"new"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if !a.auth.CheckPassword(req.Current) {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}
	if len(req.New) < 6 {
		writeError(w, http.StatusBadRequest, "new password must be at least 6 characters")
		return
	}
	if err := a.auth.ChangePassword(req.New); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save password: "+err.Error())
		return
	}

	log.Printf("admin: password changed from %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

// GenerateJWTSecret generates a random hex-encoded secret suitable for the
// jwt_secret config key.
func GenerateJWTSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
