package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"pwrec/internal/config"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	CookieName         = "pwrec_token"
)

// ErrInvalidCredentials is returned by Login for a wrong username or password.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthService issues and validates API tokens for the single configured user.
type AuthService struct {
	secret       []byte
	expiry       time.Duration
	username     string
	passwordHash string
	now          func() time.Time

	mu          sync.Mutex
	apiFailures map[string]*apiFailure
}

type apiFailure struct {
	count        int
	lastAttempt  time.Time
	lockoutUntil time.Time
}

// NewAuthService builds the service from the auth section of the config.
func NewAuthService(cfg config.AuthConfig) *AuthService {
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &AuthService{
		secret:       []byte(cfg.JWTSecret),
		expiry:       expiry,
		username:     cfg.Username,
		passwordHash: cfg.PasswordHash,
		now:          time.Now,
		apiFailures:  make(map[string]*apiFailure),
	}
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// Login checks the credentials and returns a signed token.
func (a *AuthService) Login(username, password string) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	// bcrypt runs even for an unknown username
	passOK := CheckPassword(password, a.passwordHash)
	if !userOK || !passOK {
		return "", ErrInvalidCredentials
	}
	return a.GenerateToken(username)
}

func (a *AuthService) GenerateToken(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   username,
			Issuer:    "pwrec",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Expiry is the lifetime of issued tokens.
func (a *AuthService) Expiry() time.Duration {
	return a.expiry
}

// Helper to detect if current request is effectively HTTPS (behind proxy or direct)
func requestIsSecure(c *gin.Context) bool {
	if c.Request.TLS != nil {
		return true
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); strings.EqualFold(proto, "https") {
		return true
	}
	return false
}

func cookieShouldBeSecure(c *gin.Context) bool {
	if strings.EqualFold(os.Getenv("PWREC_COOKIE_FORCE_SECURE"), "true") {
		return true
	}
	return requestIsSecure(c)
}

// SetAuthCookie stores the token for browser clients. The dashboard is same-origin so
// SameSite=Strict is used.
func (a *AuthService) SetAuthCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   cookieShouldBeSecure(c),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(a.expiry.Seconds()),
	})
}

// ClearAuthCookie removes the auth cookie using the same attributes.
func ClearAuthCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   cookieShouldBeSecure(c),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func abortLocked(c *gin.Context, retryAfter time.Duration) {
	c.Header("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "Too many unauthorized attempts",
		"retry_after": int(retryAfter.Seconds()),
	})
}

// RequireAPIAuth rejects requests without a valid bearer token or auth cookie. Repeated
// failures from one client IP lock it out for a growing period.
func (a *AuthService) RequireAPIAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if retryAfter, locked := a.checkAPILockout(key); locked {
			abortLocked(c, retryAfter)
			return
		}

		// Prefer Authorization header but fall back to cookie for browser requests
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			if cookieToken, err := c.Cookie(CookieName); err == nil {
				tokenString = cookieToken
			}
		}
		tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))

		if tokenString == "" {
			if retryAfter, locked := a.RecordFailure(key); locked {
				abortLocked(c, retryAfter)
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header or cookie required"})
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			if retryAfter, locked := a.RecordFailure(key); locked {
				abortLocked(c, retryAfter)
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		a.ClearFailures(key)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// Locked reports whether key is currently locked out and for how long.
func (a *AuthService) Locked(key string) (time.Duration, bool) {
	return a.checkAPILockout(key)
}

func (a *AuthService) checkAPILockout(key string) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.apiFailures[key]
	if !ok {
		return 0, false
	}
	now := a.now()
	if rec.lockoutUntil.After(now) {
		return rec.lockoutUntil.Sub(now), true
	}
	return 0, false
}

// RecordFailure counts a failed attempt from key. The third failure inside five
// minutes starts a lockout.
func (a *AuthService) RecordFailure(key string) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	rec, ok := a.apiFailures[key]
	if !ok {
		rec = &apiFailure{}
		a.apiFailures[key] = rec
	}

	if rec.lockoutUntil.After(now) {
		return rec.lockoutUntil.Sub(now), true
	}

	if now.Sub(rec.lastAttempt) > 5*time.Minute {
		rec.count = 0
	}

	rec.lastAttempt = now
	rec.count++

	if rec.count >= 3 {
		lockout := time.Duration(rec.count) * 15 * time.Second
		if lockout > 2*time.Minute {
			lockout = 2 * time.Minute
		}
		rec.lockoutUntil = now.Add(lockout)
		rec.count = 0
		return lockout, true
	}

	return 0, false
}

func (a *AuthService) ClearFailures(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.apiFailures, key)
}
