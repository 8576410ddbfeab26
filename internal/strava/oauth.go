package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bunnyhop/internal/apperr"
)

// Credential is one rider's OAuth grant.
type Credential struct {
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type TokenResponse struct {
	Credential
	Athlete Athlete
}

type tokenPayload struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresAt    int64           `json:"expires_at"`
	Athlete      *athletePayload `json:"athlete"`
}

// ExchangeCode performs the authorization-code grant for the sign-in callback.
func (c *Client) ExchangeCode(ctx context.Context, code string) (TokenResponse, error) {
	if strings.TrimSpace(code) == "" {
		return TokenResponse{}, fmt.Errorf("exchange code: %w: missing authorization code", apperr.ErrAuth)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)

	payload, err := c.postToken(ctx, form)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("exchange code: %w", err)
	}
	if payload.RefreshToken == "" {
		return TokenResponse{}, fmt.Errorf("exchange code: %w: response missing refresh_token", apperr.ErrAuth)
	}
	if payload.Athlete == nil {
		return TokenResponse{}, fmt.Errorf("exchange code: %w: response missing athlete", apperr.ErrValidation)
	}
	athlete, err := payload.Athlete.toAthlete()
	if err != nil {
		return TokenResponse{}, fmt.Errorf("exchange code: %w", err)
	}

	return TokenResponse{
		Credential: Credential{
			AthleteID:    athlete.ID,
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.RefreshToken,
			ExpiresAt:    time.Unix(payload.ExpiresAt, 0).UTC(),
		},
		Athlete: athlete,
	}, nil
}

// RefreshToken performs the refresh-token grant. Every failure, including
// network errors, is reported as apperr.ErrAuth.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Credential, error) {
	if refreshToken == "" {
		return Credential{}, fmt.Errorf("refresh token: %w: missing refresh token", apperr.ErrAuth)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	payload, err := c.postToken(ctx, form)
	if err != nil {
		if errors.Is(err, apperr.ErrAuth) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Credential{}, fmt.Errorf("refresh token: %w", err)
		}
		return Credential{}, fmt.Errorf("refresh token: %w: %w", apperr.ErrAuth, err)
	}

	return Credential{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Unix(payload.ExpiresAt, 0).UTC(),
	}, nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (tokenPayload, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return tokenPayload{}, fmt.Errorf("%w: missing strava client credentials", apperr.ErrAuth)
	}

	base := c.AuthBaseURL
	if base == "" {
		base = DefaultAuthBaseURL
	}
	endpoint, err := url.JoinPath(base, "/oauth/token")
	if err != nil {
		return tokenPayload{}, err
	}

	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	encoded := form.Encode()

	body, err := c.send(ctx, "oauth_token", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return tokenPayload{}, fmt.Errorf("%w: %w", apperr.ErrAuth, err)
		}
		return tokenPayload{}, classify("oauth_token", err)
	}

	var payload tokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return tokenPayload{}, fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}
	if payload.AccessToken == "" {
		return tokenPayload{}, fmt.Errorf("%w: response missing access_token", apperr.ErrAuth)
	}
	if payload.ExpiresAt <= 0 {
		return tokenPayload{}, fmt.Errorf("%w: response missing expires_at", apperr.ErrValidation)
	}
	return payload, nil
}

// Refresher exchanges a refresh token for a new credential.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (Credential, error)
}

// TokenManager keeps a rider credential usable for the length of one sync.
type TokenManager struct {
	Refresher Refresher
	Buffer    time.Duration
	Now       func() time.Time
}

// NeedsRefresh reports whether cred is missing its access token or expires
// within Buffer.
func (m *TokenManager) NeedsRefresh(cred Credential) bool {
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	buffer := m.Buffer
	if buffer <= 0 {
		buffer = time.Minute
	}
	return cred.AccessToken == "" || now.After(cred.ExpiresAt.Add(-buffer))
}

// EnsureValid returns cred untouched unless NeedsRefresh reports it, in which
// case it is refreshed. The returned flag reports whether a refresh happened;
// persisting the new credential is left to the caller.
func (m *TokenManager) EnsureValid(ctx context.Context, cred Credential) (Credential, bool, error) {
	if !m.NeedsRefresh(cred) {
		return cred, false, nil
	}
	if m.Refresher == nil {
		return Credential{}, false, fmt.Errorf("ensure token: %w: refresher not configured", apperr.ErrAuth)
	}
	if cred.RefreshToken == "" {
		return Credential{}, false, fmt.Errorf("ensure token: %w: missing refresh token", apperr.ErrAuth)
	}

	updated, err := m.Refresher.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		return Credential{}, false, err
	}
	updated.AthleteID = cred.AthleteID
	if updated.RefreshToken == "" {
		updated.RefreshToken = cred.RefreshToken
	}
	return updated, true, nil
}
