package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"bunnyhop/internal/apperr"
	"bunnyhop/internal/config"
	"bunnyhop/internal/metrics"
	"bunnyhop/internal/results"
	"bunnyhop/internal/scoring"
	"bunnyhop/internal/strava"
)

const (
	leaderboardCacheControl = "public, s-maxage=30, stale-while-revalidate=60"
	oauthStateCookie        = "bunnyhop_oauth_state"
	stravaScope             = "read,activity:read"
)

type SyncService interface {
	Sync(ctx context.Context, athleteID int64) (results.RiderResult, error)
	Result(ctx context.Context, athleteID int64) (results.RiderResult, error)
	Leaderboard(ctx context.Context) ([]results.LeaderboardEntry, error)
}

type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (strava.TokenResponse, error)
}

type CredentialSaver interface {
	SaveCredential(ctx context.Context, cred strava.Credential) error
}

type StravaConfig struct {
	ClientID    string
	AuthBaseURL string
	RedirectURL string
}

type Options struct {
	Sync             SyncService
	OAuth            CodeExchanger
	Credentials      CredentialSaver
	Event            config.Event
	Sessions         *Sessions
	Strava           StravaConfig
	SecureCookies    bool
	LeaderboardTTL   time.Duration
	LeaderboardStale time.Duration
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

type Server struct {
	sync        SyncService
	oauth       CodeExchanger
	credentials CredentialSaver
	event       config.Event
	sessions    *Sessions
	strava      StravaConfig
	secure      bool
	cache       *LeaderboardCache
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
}

func NewServer(opts Options) (*Server, error) {
	if opts.Sync == nil {
		return nil, errors.New("sync service required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("sessions required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		sync:        opts.Sync,
		oauth:       opts.OAuth,
		credentials: opts.Credentials,
		event:       opts.Event,
		sessions:    opts.Sessions,
		strava:      opts.Strava,
		secure:      opts.SecureCookies,
		metrics:     opts.Metrics,
		logger:      logger,
		tracer:      otel.Tracer("bunnyhop/web"),
	}
	s.cache = NewLeaderboardCache(opts.Sync.Leaderboard, opts.LeaderboardTTL, opts.LeaderboardStale, opts.Metrics, logger)
	return s, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/connect/strava", s.ConnectStrava)
	r.Get("/connect/strava/callback", s.StravaCallback)
	r.Get("/leaderboard", s.Leaderboard)
	r.With(s.optionalSession).Get("/event", s.Event)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/sync", s.Sync)
		r.Get("/sync", s.SyncStatus)
	})
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ConnectStrava(w http.ResponseWriter, r *http.Request) {
	if s.strava.ClientID == "" || s.oauth == nil {
		writeError(w, http.StatusInternalServerError, "Strava client not configured")
		return
	}

	redirectURL := s.strava.RedirectURL
	if redirectURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		redirectURL = fmt.Sprintf("%s://%s/connect/strava/callback", scheme, r.Host)
	}

	base := s.strava.AuthBaseURL
	if base == "" {
		base = strava.DefaultAuthBaseURL
	}
	endpoint, err := url.JoinPath(base, "/oauth/authorize")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build authorization URL")
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/connect/strava",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	params := url.Values{}
	params.Set("client_id", s.strava.ClientID)
	params.Set("redirect_uri", redirectURL)
	params.Set("response_type", "code")
	if r.URL.Query().Get("force") == "1" {
		params.Set("approval_prompt", "force")
	} else {
		params.Set("approval_prompt", "auto")
	}
	params.Set("scope", stravaScope)
	params.Set("state", state)

	http.Redirect(w, r, endpoint+"?"+params.Encode(), http.StatusFound)
}

type connectResponse struct {
	AthleteID int64  `json:"athleteId"`
	Name      string `json:"name"`
	Token     string `json:"token"`
}

func (s *Server) StravaCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		s.logger.Info("strava authorization declined", zap.String("error", errParam))
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != query.Get("state") {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.oauth == nil || s.credentials == nil {
		writeError(w, http.StatusInternalServerError, "Strava client not configured")
		return
	}

	token, err := s.oauth.ExchangeCode(r.Context(), query.Get("code"))
	if err != nil {
		s.logger.Warn("strava oauth exchange failed", zap.Error(err))
		if errors.Is(err, apperr.ErrAuth) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		writeError(w, http.StatusBadGateway, "Failed to connect Strava")
		return
	}
	if err := s.credentials.SaveCredential(r.Context(), token.Credential); err != nil {
		s.logger.Error("strava credential save failed", zap.Int64("athlete_id", token.AthleteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to save Strava credential")
		return
	}

	name := token.Athlete.DisplayName()
	session, err := s.sessions.Issue(token.AthleteID, name)
	if err != nil {
		s.logger.Error("issue session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to start session")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/connect/strava", MaxAge: -1})
	http.SetCookie(w, s.sessions.Cookie(session, s.secure))

	s.logger.Info("strava connected", zap.Int64("athlete_id", token.AthleteID))
	writeJSON(w, http.StatusOK, connectResponse{AthleteID: token.AthleteID, Name: name, Token: session})
}

func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	athleteID, _ := athleteFrom(r.Context())

	result, err := s.sync.Sync(r.Context(), athleteID)
	if err != nil {
		status := apperr.HTTPStatus(err)
		s.logger.Warn("sync request failed",
			zap.Int64("athlete_id", athleteID),
			zap.Int("status", status),
			zap.Error(err),
		)
		switch status {
		case http.StatusUnauthorized:
			writeError(w, status, "Unauthorized")
		case http.StatusConflict:
			writeError(w, status, "Sync already in progress")
		default:
			writeError(w, status, "Failed to sync Strava data")
		}
		return
	}

	s.cache.Invalidate()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	athleteID, _ := athleteFrom(r.Context())

	result, err := s.sync.Result(r.Context(), athleteID)
	if errors.Is(err, apperr.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Not synced yet")
		return
	}
	if err != nil {
		s.logger.Error("load result failed", zap.Int64("athlete_id", athleteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cache.Get(r.Context())
	if err != nil {
		s.logger.Error("load leaderboard failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load leaderboard")
		return
	}
	w.Header().Set("Cache-Control", leaderboardCacheControl)
	writeJSON(w, http.StatusOK, entries)
}

type categorySummary struct {
	Category  scoring.Category `json:"category"`
	Segments  int              `json:"segments"`
	MaxPoints int              `json:"maxPoints"`
}

type eventResponse struct {
	Name        string                  `json:"name"`
	Tagline     string                  `json:"tagline,omitempty"`
	Description string                  `json:"description,omitempty"`
	Date        string                  `json:"date"`
	MaxPoints   int                     `json:"maxPoints"`
	Categories  []categorySummary       `json:"categories"`
	Segments    []scoring.SegmentStatus `json:"segments"`
	Result      *results.RiderResult    `json:"result,omitempty"`
}

// Event describes the event and its segments. With a session, segments the
// rider has completed are flagged and the rider's result is included.
func (s *Server) Event(w http.ResponseWriter, r *http.Request) {
	catalog := s.event.Segments
	resp := eventResponse{
		Name:        s.event.Name,
		Tagline:     s.event.Tagline,
		Description: s.event.Description,
		Date:        s.event.Date.Format(time.DateOnly),
		MaxPoints:   catalog.MaxPoints(),
		Categories:  make([]categorySummary, 0, len(scoring.Categories)),
	}
	for _, category := range scoring.Categories {
		segments := catalog.ByCategory(category)
		resp.Categories = append(resp.Categories, categorySummary{
			Category:  category,
			Segments:  len(segments),
			MaxPoints: segments.MaxPoints(),
		})
	}

	var completed []string
	if athleteID, ok := athleteFrom(r.Context()); ok {
		result, err := s.sync.Result(r.Context(), athleteID)
		switch {
		case err == nil:
			completed = result.CompletedSegmentIDs
			resp.Result = &result
		case !errors.Is(err, apperr.ErrNotFound):
			s.logger.Warn("load result for event failed", zap.Int64("athlete_id", athleteID), zap.Error(err))
		}
	}
	resp.Segments = catalog.Statuses(completed)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		athleteID, err := s.sessions.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAthlete(r.Context(), athleteID)))
	})
}

func (s *Server) optionalSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if athleteID, err := s.sessions.FromRequest(r); err == nil {
			r = r.WithContext(withAthlete(r.Context(), athleteID))
		}
		next.ServeHTTP(w, r)
	})
}

// observe traces and logs every request. Query strings are never logged
// since the OAuth callback carries the authorization code.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx, span := s.tracer.Start(r.Context(), "http.server", trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		span.SetName("http.server " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		} else {
			span.SetStatus(codes.Ok, "request completed")
		}

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(ctx)),
		)
	})
}
