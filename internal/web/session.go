package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie  = "bunnyhop_session"
	sessionIssuer  = "bunnyhop"
	defaultSession = 30 * 24 * time.Hour
)

var errNoSession = errors.New("no session")

type sessionClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 rider session tokens. The subject is
// the Strava athlete id.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = defaultSession
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Sessions) Issue(athleteID int64, name string) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   strconv.FormatInt(athleteID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse returns the athlete id carried by a valid token.
func (s *Sessions) Parse(tokenString string) (int64, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, errors.New("invalid session token")
	}
	athleteID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || athleteID <= 0 {
		return 0, errors.New("invalid session subject")
	}
	return athleteID, nil
}

// FromRequest reads the session from the Authorization header or, failing
// that, the session cookie.
func (s *Sessions) FromRequest(r *http.Request) (int64, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return 0, errNoSession
		}
		return s.Parse(strings.TrimSpace(token))
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return 0, errNoSession
	}
	return s.Parse(cookie.Value)
}

func (s *Sessions) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

type athleteKey struct{}

func withAthlete(ctx context.Context, athleteID int64) context.Context {
	return context.WithValue(ctx, athleteKey{}, athleteID)
}

func athleteFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(athleteKey{}).(int64)
	return id, ok && id > 0
}
