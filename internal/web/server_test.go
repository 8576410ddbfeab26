package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunnyhop/internal/apperr"
	"bunnyhop/internal/config"
	"bunnyhop/internal/metrics"
	"bunnyhop/internal/results"
	"bunnyhop/internal/scoring"
	"bunnyhop/internal/strava"
)

type fakeSync struct {
	mu          sync.Mutex
	syncErr     error
	synced      []int64
	stored      map[int64]results.RiderResult
	boardCalls  int
	leaderboard []results.LeaderboardEntry
}

func (f *fakeSync) Sync(ctx context.Context, athleteID int64) (results.RiderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, athleteID)
	if f.syncErr != nil {
		return results.RiderResult{}, f.syncErr
	}
	r := results.RiderResult{AthleteID: athleteID, Name: "Ada Lovelace", TotalPoints: 60, CompletedSegmentIDs: []string{"1", "3"}}
	f.stored[athleteID] = r
	return r, nil
}

func (f *fakeSync) Result(ctx context.Context, athleteID int64) (results.RiderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.stored[athleteID]
	if !ok {
		return results.RiderResult{}, fmt.Errorf("result: %w", apperr.ErrNotFound)
	}
	return r, nil
}

func (f *fakeSync) Leaderboard(ctx context.Context) ([]results.LeaderboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boardCalls++
	return f.leaderboard, nil
}

func (f *fakeSync) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boardCalls
}

type fakeOAuth struct {
	resp strava.TokenResponse
	err  error
}

func (f *fakeOAuth) ExchangeCode(ctx context.Context, code string) (strava.TokenResponse, error) {
	return f.resp, f.err
}

type fakeCredentials struct {
	saved []strava.Credential
}

func (f *fakeCredentials) SaveCredential(ctx context.Context, cred strava.Credential) error {
	f.saved = append(f.saved, cred)
	return nil
}

type testServer struct {
	handler  http.Handler
	sync     *fakeSync
	oauth    *fakeOAuth
	creds    *fakeCredentials
	sessions *Sessions
}

func testEvent() config.Event {
	return config.Event{
		Name:    "The Bunny Hop",
		Tagline: "Hop to it",
		Date:    time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC),
		Segments: scoring.Catalog{
			{ID: "1", Name: "Vineyard", Points: 10, Category: scoring.CategoryRoad},
			{ID: "2", Name: "Gravel Grind", Points: 20, Category: scoring.CategoryDirt},
			{ID: "3", Name: "Secret Climb", Points: 50, Category: scoring.CategoryBonus},
		},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		sync: &fakeSync{
			stored: make(map[int64]results.RiderResult),
			leaderboard: []results.LeaderboardEntry{
				{RiderResult: results.RiderResult{AthleteID: 7, Name: "Grace", TotalPoints: 80}, Rank: 1},
				{RiderResult: results.RiderResult{AthleteID: 42, Name: "Ada", TotalPoints: 10}, Rank: 2},
			},
		},
		oauth: &fakeOAuth{resp: strava.TokenResponse{
			Credential: strava.Credential{AthleteID: 42, AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)},
			Athlete:    strava.Athlete{ID: 42, FirstName: "Ada", LastName: "Lovelace"},
		}},
		creds:    &fakeCredentials{},
		sessions: NewSessions("test-secret", time.Hour),
	}
	server, err := NewServer(Options{
		Sync:             ts.sync,
		OAuth:            ts.oauth,
		Credentials:      ts.creds,
		Event:            testEvent(),
		Sessions:         ts.sessions,
		Strava:           StravaConfig{ClientID: "client", AuthBaseURL: "https://auth.example", RedirectURL: "https://hop.example/connect/strava/callback"},
		LeaderboardTTL:   time.Minute,
		LeaderboardStale: time.Minute,
		Metrics:          metrics.New(),
	})
	require.NoError(t, err)
	ts.handler = server.Routes()
	return ts
}

func (ts *testServer) bearer(t *testing.T, athleteID int64) string {
	t.Helper()
	token, err := ts.sessions.Issue(athleteID, "Rider")
	require.NoError(t, err)
	return "Bearer " + token
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSyncRequiresSession(t *testing.T) {
	ts := newTestServer(t)

	for _, auth := range []string{"", "Bearer garbage", "Basic abc"} {
		req := httptest.NewRequest(http.MethodPost, "/sync", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := ts.do(req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, auth)
		assert.Equal(t, "Unauthorized", decodeError(t, rec))
	}
	assert.Empty(t, ts.sync.synced)
}

func TestSyncReturnsResult(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("Authorization", ts.bearer(t, 42))

	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got results.RiderResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(42), got.AthleteID)
	assert.Equal(t, 60, got.TotalPoints)
	assert.Equal(t, []int64{42}, ts.sync.synced)
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "auth", err: fmt.Errorf("x: %w", apperr.ErrAuth), status: http.StatusUnauthorized, message: "Unauthorized"},
		{name: "conflict", err: fmt.Errorf("x: %w", apperr.ErrConflict), status: http.StatusConflict, message: "Sync already in progress"},
		{name: "upstream", err: fmt.Errorf("x: %w", apperr.ErrUpstream), status: http.StatusBadGateway, message: "Failed to sync Strava data"},
		{name: "validation", err: fmt.Errorf("x: %w", apperr.ErrValidation), status: http.StatusBadGateway, message: "Failed to sync Strava data"},
		{name: "corrupt store", err: fmt.Errorf("x: %w", apperr.ErrCorrupt), status: http.StatusInternalServerError, message: "Failed to sync Strava data"},
		{name: "internal", err: errors.New("disk on fire"), status: http.StatusInternalServerError, message: "Failed to sync Strava data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.sync.syncErr = tt.err
			req := httptest.NewRequest(http.MethodPost, "/sync", nil)
			req.Header.Set("Authorization", ts.bearer(t, 42))

			rec := ts.do(req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec))
			assert.NotContains(t, rec.Body.String(), "disk on fire")
		})
	}
}

func TestSyncStatus(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.sessions.Issue(42, "Ada")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sync", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	rec := ts.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not synced yet", decodeError(t, rec))

	ts.sync.stored[42] = results.RiderResult{AthleteID: 42, TotalPoints: 30}
	req = httptest.NewRequest(http.MethodGet, "/sync", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	rec = ts.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalPoints":30`)
}

func TestLeaderboardIsCachedAndInvalidatedBySync(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, s-maxage=30, stale-while-revalidate=60", rec.Header().Get("Cache-Control"))

	var entries []results.LeaderboardEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, int64(7), entries[0].AthleteID)

	ts.do(httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	assert.Equal(t, 1, ts.sync.calls())

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("Authorization", ts.bearer(t, 42))
	require.Equal(t, http.StatusOK, ts.do(req).Code)

	ts.do(httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	assert.Equal(t, 2, ts.sync.calls())
}

func TestLeaderboardEmpty(t *testing.T) {
	ts := newTestServer(t)
	ts.sync.leaderboard = nil

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestEvent(t *testing.T) {
	ts := newTestServer(t)
	ts.sync.stored[42] = results.RiderResult{AthleteID: 42, TotalPoints: 50, CompletedSegmentIDs: []string{"3"}}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/event", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var anonymous eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &anonymous))
	assert.Equal(t, "The Bunny Hop", anonymous.Name)
	assert.Equal(t, "2026-02-17", anonymous.Date)
	assert.Equal(t, 80, anonymous.MaxPoints)
	require.Len(t, anonymous.Categories, 3)
	assert.Equal(t, scoring.CategoryDirt, anonymous.Categories[1].Category)
	assert.Equal(t, 20, anonymous.Categories[1].MaxPoints)
	assert.Nil(t, anonymous.Result)
	for _, s := range anonymous.Segments {
		assert.False(t, s.Completed)
	}

	req := httptest.NewRequest(http.MethodGet, "/event", nil)
	req.Header.Set("Authorization", ts.bearer(t, 42))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var rider eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rider))
	require.Len(t, rider.Segments, 3)
	assert.False(t, rider.Segments[0].Completed)
	assert.True(t, rider.Segments[2].Completed)
	require.NotNil(t, rider.Result)
	assert.Equal(t, 50, rider.Result.TotalPoints)
}

func TestConnectStravaRedirects(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/connect/strava", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "auth.example", location.Host)
	assert.Equal(t, "/oauth/authorize", location.Path)
	q := location.Query()
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "read,activity:read", q.Get("scope"))
	assert.Equal(t, "https://hop.example/connect/strava/callback", q.Get("redirect_uri"))
	require.NotEmpty(t, q.Get("state"))

	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == oauthStateCookie {
			stateCookie = c
		}
	}
	require.NotNil(t, stateCookie)
	assert.Equal(t, q.Get("state"), stateCookie.Value)
}

func TestStravaCallback(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/connect/strava/callback?code=abc&state=expected", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "expected"})
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body connectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(42), body.AthleteID)
	assert.Equal(t, "Ada Lovelace", body.Name)

	require.Len(t, ts.creds.saved, 1)
	assert.Equal(t, "r", ts.creds.saved[0].RefreshToken)

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)
	athleteID, err := ts.sessions.Parse(session.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(42), athleteID)
}

func TestStravaCallbackRejects(t *testing.T) {
	tests := []struct {
		name   string
		target string
		cookie string
		err    error
		status int
	}{
		{name: "state mismatch", target: "/connect/strava/callback?code=abc&state=forged", cookie: "expected", status: http.StatusUnauthorized},
		{name: "missing state cookie", target: "/connect/strava/callback?code=abc&state=expected", status: http.StatusUnauthorized},
		{name: "declined", target: "/connect/strava/callback?error=access_denied&state=expected", cookie: "expected", status: http.StatusUnauthorized},
		{name: "exchange rejected", target: "/connect/strava/callback?code=abc&state=expected", cookie: "expected", err: fmt.Errorf("x: %w", apperr.ErrAuth), status: http.StatusUnauthorized},
		{name: "exchange unavailable", target: "/connect/strava/callback?code=abc&state=expected", cookie: "expected", err: fmt.Errorf("x: %w", apperr.ErrUpstream), status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.oauth.err = tt.err
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: tt.cookie})
			}
			rec := ts.do(req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, ts.creds.saved)
			assert.False(t, strings.Contains(rec.Header().Get("Set-Cookie"), sessionCookie))
		})
	}
}
