package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"bunnyhop/internal/apperr"
)

const (
	DefaultBaseURL     = "https://www.strava.com/api/v3"
	DefaultAuthBaseURL = "https://www.strava.com"

	maxResponseBytes = 16 << 20
	maxErrorBody     = 2048
)

// RequestObserver receives one call per HTTP attempt and one per retry.
type RequestObserver interface {
	ObserveRequest(endpoint string, status int, elapsed time.Duration)
	ObserveRetry(endpoint string)
}

type RetryPolicy struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	MaxBackoff    time.Duration
	MaxRetryAfter time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = time.Minute
	}
	return p
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BackoffBase << attempt
	if delay <= 0 || delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Client talks to the Strava REST API and its OAuth token endpoint. Access
// tokens are passed per call because one process serves many riders.
type Client struct {
	BaseURL      string
	AuthBaseURL  string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Retry        RetryPolicy
	Logger       *zap.Logger
	Observer     RequestObserver

	sleep func(ctx context.Context, d time.Duration) error
}

type Athlete struct {
	ID            int64
	FirstName     string
	LastName      string
	Profile       string
	ProfileMedium string
}

func (a Athlete) DisplayName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// PhotoURL prefers the medium profile picture.
func (a Athlete) PhotoURL() string {
	if a.ProfileMedium != "" {
		return a.ProfileMedium
	}
	return a.Profile
}

type ActivitySummary struct {
	ID        int64
	Name      string
	SportType string
	StartDate time.Time
}

type ActivityDetail struct {
	ID             int64
	Name           string
	StartDate      time.Time
	SegmentEfforts []SegmentEffort
}

type SegmentEffort struct {
	ID          int64
	SegmentID   string
	ActivityID  int64
	Name        string
	ElapsedTime int
}

type athletePayload struct {
	ID            int64  `json:"id"`
	FirstName     string `json:"firstname"`
	LastName      string `json:"lastname"`
	Profile       string `json:"profile"`
	ProfileMedium string `json:"profile_medium"`
}

func (p athletePayload) toAthlete() (Athlete, error) {
	if p.ID <= 0 {
		return Athlete{}, fmt.Errorf("athlete: %w: missing id", apperr.ErrValidation)
	}
	return Athlete{
		ID:            p.ID,
		FirstName:     strings.TrimSpace(p.FirstName),
		LastName:      strings.TrimSpace(p.LastName),
		Profile:       p.Profile,
		ProfileMedium: p.ProfileMedium,
	}, nil
}

func (c *Client) GetAthlete(ctx context.Context, accessToken string) (Athlete, error) {
	var payload athletePayload
	if err := c.getJSON(ctx, "athlete", accessToken, "/athlete", nil, &payload); err != nil {
		return Athlete{}, err
	}
	return payload.toAthlete()
}

func (c *Client) ListActivities(ctx context.Context, accessToken string, after, before time.Time, page, perPage int) ([]ActivitySummary, error) {
	params := url.Values{}
	if !after.IsZero() {
		params.Set("after", strconv.FormatInt(after.Unix(), 10))
	}
	if !before.IsZero() {
		params.Set("before", strconv.FormatInt(before.Unix(), 10))
	}
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		params.Set("per_page", strconv.Itoa(perPage))
	}

	var payload []struct {
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		SportType string `json:"sport_type"`
		StartDate string `json:"start_date"`
	}

	if err := c.getJSON(ctx, "athlete_activities", accessToken, "/athlete/activities", params, &payload); err != nil {
		return nil, err
	}

	activities := make([]ActivitySummary, 0, len(payload))
	for i, p := range payload {
		if p.ID <= 0 {
			return nil, fmt.Errorf("activity summary %d: %w: missing id", i, apperr.ErrValidation)
		}
		start, err := time.Parse(time.RFC3339, p.StartDate)
		if err != nil {
			return nil, fmt.Errorf("activity %d start_date: %w: %w", p.ID, apperr.ErrValidation, err)
		}
		activities = append(activities, ActivitySummary{
			ID:        p.ID,
			Name:      p.Name,
			SportType: p.SportType,
			StartDate: start.UTC(),
		})
	}

	return activities, nil
}

func (c *Client) GetActivity(ctx context.Context, accessToken string, id int64) (ActivityDetail, error) {
	params := url.Values{}
	params.Set("include_all_efforts", "true")

	var payload struct {
		ID             int64  `json:"id"`
		Name           string `json:"name"`
		StartDate      string `json:"start_date"`
		SegmentEfforts []struct {
			ID          int64  `json:"id"`
			Name        string `json:"name"`
			ElapsedTime int    `json:"elapsed_time"`
			Segment     *struct {
				ID json.Number `json:"id"`
			} `json:"segment"`
		} `json:"segment_efforts"`
	}

	if err := c.getJSON(ctx, "activity", accessToken, fmt.Sprintf("/activities/%d", id), params, &payload); err != nil {
		return ActivityDetail{}, err
	}
	if payload.ID != id {
		return ActivityDetail{}, fmt.Errorf("activity %d: %w: response id %d", id, apperr.ErrValidation, payload.ID)
	}

	detail := ActivityDetail{
		ID:             payload.ID,
		Name:           payload.Name,
		SegmentEfforts: make([]SegmentEffort, 0, len(payload.SegmentEfforts)),
	}
	if payload.StartDate != "" {
		start, err := time.Parse(time.RFC3339, payload.StartDate)
		if err != nil {
			return ActivityDetail{}, fmt.Errorf("activity %d start_date: %w: %w", id, apperr.ErrValidation, err)
		}
		detail.StartDate = start.UTC()
	}

	for i, e := range payload.SegmentEfforts {
		if e.Segment == nil || e.Segment.ID == "" {
			return ActivityDetail{}, fmt.Errorf("activity %d effort %d: %w: missing segment id", id, i, apperr.ErrValidation)
		}
		segmentID, err := e.Segment.ID.Int64()
		if err != nil || segmentID <= 0 {
			return ActivityDetail{}, fmt.Errorf("activity %d effort %d: %w: segment id %q", id, i, apperr.ErrValidation, e.Segment.ID)
		}
		detail.SegmentEfforts = append(detail.SegmentEfforts, SegmentEffort{
			ID:          e.ID,
			SegmentID:   strconv.FormatInt(segmentID, 10),
			ActivityID:  id,
			Name:        e.Name,
			ElapsedTime: e.ElapsedTime,
		})
	}

	return detail, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, accessToken, path string, params url.Values, target any) error {
	if accessToken == "" {
		return fmt.Errorf("strava %s: %w: missing access token", endpoint, apperr.ErrAuth)
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	joined, err := url.JoinPath(u.Path, path)
	if err != nil {
		return err
	}
	u.Path = joined
	if params != nil {
		u.RawQuery = params.Encode()
	}

	body, err := c.send(ctx, endpoint, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return classify(endpoint, err)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("strava %s: %w: %w", endpoint, apperr.ErrValidation, err)
	}
	return nil
}

// classify folds transport outcomes into the error taxonomy. Context errors
// pass through untouched so callers can tell cancellation from failure.
func classify(endpoint string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Unauthorized() {
		return fmt.Errorf("strava %s: %w: %w", endpoint, apperr.ErrAuth, err)
	}
	return fmt.Errorf("strava %s: %w: %w", endpoint, apperr.ErrUpstream, err)
}

// send performs a request with bounded retries. newRequest is called once per
// attempt so bodies can be replayed.
func (c *Client) send(ctx context.Context, endpoint string, newRequest func(context.Context) (*http.Request, error)) ([]byte, error) {
	policy := c.Retry.withDefaults()
	logger := c.logger()
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := newRequest(ctx)
		if err != nil {
			return nil, err
		}
		logRequest(logger, req.Method, req.URL.String(), attempt+1)

		wait, body, err := c.attempt(ctx, endpoint, req, policy, attempt)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if wait < 0 || attempt == policy.MaxAttempts-1 {
			break
		}

		if c.Observer != nil {
			c.Observer.ObserveRetry(endpoint)
		}
		logger.Warn("strava request failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := c.sleepFn()(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt returns the delay before the next try, or a negative delay when the
// failure is final.
func (c *Client) attempt(ctx context.Context, endpoint string, req *http.Request, policy RetryPolicy, attempt int) (time.Duration, []byte, error) {
	started := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.observe(endpoint, 0, time.Since(started))
		if ctx.Err() != nil {
			return -1, nil, ctx.Err()
		}
		return policy.backoff(attempt), nil, err
	}
	defer resp.Body.Close()
	c.observe(endpoint, resp.StatusCode, time.Since(started))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			if ctx.Err() != nil {
				return -1, nil, ctx.Err()
			}
			return policy.backoff(attempt), nil, fmt.Errorf("read response: %w", err)
		}
		return 0, body, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header, time.Now()),
	}
	if !apiErr.Retryable() {
		return -1, nil, apiErr
	}
	if apiErr.RetryAfter > 0 {
		if apiErr.RetryAfter > policy.MaxRetryAfter {
			return -1, nil, apiErr
		}
		return apiErr.RetryAfter, nil, apiErr
	}
	return policy.backoff(attempt), nil, apiErr
}

func (c *Client) observe(endpoint string, status int, elapsed time.Duration) {
	if c.Observer != nil {
		c.Observer.ObserveRequest(endpoint, status, elapsed)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *Client) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Client) sleepFn() func(context.Context, time.Duration) error {
	if c.sleep != nil {
		return c.sleep
	}
	return sleepContext
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
