// Package api serves the HTTP surface of the daemon: an authenticated
// endpoint that accepts passive check results, read-only status views of
// the program and its objects, and the Prometheus metrics handler.
//
// Submitted results run through the same processor path as results read
// from the command pipe, so soft/hard transitions, flap counters and
// notifications behave identically regardless of how a result arrived.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/objects"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var log = logrus.WithField(trace.Component, "vigil:api")

var (
	resultsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_api_results_accepted_total",
		Help: "Passive check results accepted over the HTTP API.",
	})
	resultsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_api_results_rejected_total",
		Help: "Passive check results rejected over the HTTP API.",
	})
)

func init() {
	prometheus.MustRegister(resultsAccepted, resultsRejected)
}

const (
	defaultListenAddr = ":5668"
	shutdownTimeout   = 5 * time.Second
)

// Config holds the API server configuration.
type Config struct {
	// Store resolves submitted results to configured objects.
	Store *objects.Store
	// Program supplies identity and feature toggles for the status view.
	Program *objects.Program
	// Processor runs submitted results through the state machine.
	Processor *checker.Processor
	// ListenAddr is the TCP address to serve on.
	ListenAddr string
	// TokenHash is the bcrypt hash of the accepted API token. Requests
	// from localhost bypass the token check.
	TokenHash string
	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
	// Clock stamps submissions that carry no timestamp of their own.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Program == nil {
		return trace.BadParameter("missing parameter Program")
	}
	if c.Processor == nil {
		return trace.BadParameter("missing parameter Processor")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the HTTP API endpoint.
type Server struct {
	Config
	router *httprouter.Router
}

// NewServer builds the routing table. Nothing listens until Run.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{Config: cfg}
	r := httprouter.New()
	r.POST("/v1/results", s.withAuth(s.handleResults))
	r.GET("/v1/status", s.withAuth(s.handleStatus))
	r.GET("/v1/objects/hosts", s.withAuth(s.handleHosts))
	r.GET("/v1/objects/hosts/:host", s.withAuth(s.handleHost))
	r.GET("/v1/objects/services", s.withAuth(s.handleServices))
	r.GET("/v1/objects/services/:host/:service", s.withAuth(s.handleService))
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	s.router = r
	return s, nil
}

// Run serves until the context is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	log.Infof("API listening on %v.", ln.Addr())
	errCh := make(chan error, 1)
	go func() {
		if s.CertFile != "" && s.KeyFile != "" {
			errCh <- srv.ServeTLS(ln, s.CertFile, s.KeyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()
	select {
	case <-ctx.Done():
		drain, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(drain); err != nil {
			log.WithError(err).Warn("API server did not drain cleanly.")
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err)
		}
		return nil
	}
}

// withAuth rejects requests that fail the token check.
func (s *Server) withAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if !s.authenticate(r) {
			writeError(w, http.StatusUnauthorized, trace.AccessDenied("authorization failed"))
			return
		}
		next(w, r, p)
	}
}

// authenticate accepts localhost requests outright. Everything else must
// carry a token matching the configured bcrypt hash, either as a bearer
// header or a token query parameter.
func (s *Server) authenticate(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "127.0.0.1" || host == "::1" {
		return true
	}
	if s.TokenHash == "" {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.TokenHash), []byte(token)) == nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// passiveResult is one submitted check outcome. Service names a service
// on the host; when empty the result applies to the host itself.
type passiveResult struct {
	Host       string `json:"host"`
	Service    string `json:"service,omitempty"`
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output"`
	// Timestamp is optional unix seconds; zero means receipt time.
	Timestamp int64 `json:"timestamp,omitempty"`
}

type resultsRequest struct {
	Results []passiveResult `json:"results"`
}

type resultsResponse struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req resultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, trace.BadParameter("malformed request body: %v", err))
		return
	}
	if len(req.Results) == 0 {
		writeError(w, http.StatusBadRequest, trace.BadParameter("missing results"))
		return
	}
	now := s.Clock.Now()
	var resp resultsResponse
	for _, pr := range req.Results {
		if err := s.inject(now, pr); err != nil {
			resultsRejected.Inc()
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		resultsAccepted.Inc()
		resp.Accepted++
	}
	writeJSON(w, http.StatusOK, resp)
}

// inject runs one submission through the same path passive results take
// when they arrive over the command pipe. The processor applies the
// passive gates, so disabled targets drop the result there, not here.
func (s *Server) inject(now time.Time, pr passiveResult) error {
	if pr.Host == "" {
		return trace.BadParameter("missing host")
	}
	kind, name := objects.TypeHost, pr.Host
	if pr.Service != "" {
		kind, name = objects.TypeService, pr.Host+"!"+pr.Service
	}
	c, err := s.Store.Resolve(kind, name)
	if err != nil {
		return trace.Wrap(err)
	}
	ts := now
	if pr.Timestamp > 0 {
		ts = time.Unix(pr.Timestamp, 0)
	}
	cr := &objects.CheckResult{
		ScheduleStart:  ts,
		ScheduleEnd:    ts,
		ExecutionStart: ts,
		ExecutionEnd:   ts,
		ExitStatus:     pr.ExitStatus,
		Active:         false,
		CheckSource:    s.Program.Identity,
	}
	checker.ApplyOutput(cr, pr.Output)
	return trace.Wrap(s.Processor.ProcessResult(c, cr, objects.Origin{}))
}

type programStatus struct {
	Version              string    `json:"version"`
	Identity             string    `json:"identity"`
	PID                  int       `json:"pid"`
	StartTime            time.Time `json:"start_time"`
	UptimeSeconds        float64   `json:"uptime_seconds"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	ActiveChecksEnabled  bool      `json:"active_checks_enabled"`
	PassiveChecksEnabled bool      `json:"passive_checks_enabled"`
	EventHandlersEnabled bool      `json:"event_handlers_enabled"`
	FlapDetectionEnabled bool      `json:"flap_detection_enabled"`
	PerfDataEnabled      bool      `json:"perfdata_enabled"`
	ChecksPerMinute      int64     `json:"checks_per_minute"`
	NotificationsPerMin  int64     `json:"notifications_per_minute"`
}

type objectTotals struct {
	Total        int `json:"total"`
	Problems     int `json:"problems"`
	Acknowledged int `json:"acknowledged"`
	InDowntime   int `json:"in_downtime"`
	Flapping     int `json:"flapping"`
}

type statusSummary struct {
	Program  programStatus `json:"program"`
	Hosts    objectTotals  `json:"hosts"`
	Services objectTotals  `json:"services"`
	Users    int           `json:"users"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	now := s.Clock.Now()
	p := s.Program
	summary := statusSummary{
		Program: programStatus{
			Version:              p.Version,
			Identity:             p.Identity,
			PID:                  p.PID,
			StartTime:            p.StartTime,
			UptimeSeconds:        now.Sub(p.StartTime).Seconds(),
			NotificationsEnabled: p.NotificationsEnabled(),
			ActiveChecksEnabled:  p.ActiveChecksEnabled(),
			PassiveChecksEnabled: p.PassiveChecksEnabled(),
			EventHandlersEnabled: p.EventHandlersEnabled(),
			FlapDetectionEnabled: p.FlapDetectionEnabled(),
			PerfDataEnabled:      p.PerfDataEnabled(),
			ChecksPerMinute:      p.ChecksRate.Rate(now, 1),
			NotificationsPerMin:  p.NotificationsRate.Rate(now, 1),
		},
	}
	_, _, summary.Users = s.Store.Counts()
	for _, c := range s.Store.Checkables() {
		totals := &summary.Services
		if c.IsHost() {
			totals = &summary.Hosts
		}
		c.Lock()
		totals.Total++
		if c.IsProblem() {
			totals.Problems++
		}
		if c.IsAcknowledged(now) {
			totals.Acknowledged++
		}
		if c.InDowntime(now) {
			totals.InDowntime++
		}
		if c.Flapping {
			totals.Flapping++
		}
		c.Unlock()
	}
	writeJSON(w, http.StatusOK, summary)
}

// checkableStatus is the read-only view of one host or service. Times
// are unix seconds, zero when the event never happened.
type checkableStatus struct {
	Name                string  `json:"name"`
	DisplayName         string  `json:"display_name,omitempty"`
	State               string  `json:"state"`
	StateType           string  `json:"state_type"`
	Attempt             int     `json:"attempt"`
	MaxAttempts         int     `json:"max_attempts"`
	HasBeenChecked      bool    `json:"has_been_checked"`
	Output              string  `json:"output,omitempty"`
	LastCheck           int64   `json:"last_check"`
	NextCheck           int64   `json:"next_check"`
	LastStateChange     int64   `json:"last_state_change"`
	LastHardStateChange int64   `json:"last_hard_state_change"`
	Acknowledged        bool    `json:"acknowledged"`
	DowntimeDepth       int     `json:"downtime_depth"`
	Flapping            bool    `json:"flapping"`
	FlapPercent         float64 `json:"flap_percent"`
}

func (s *Server) checkableView(c *objects.Checkable, now time.Time) checkableStatus {
	c.Lock()
	defer c.Unlock()
	v := checkableStatus{
		Name:                c.Name(),
		State:               c.StateName(c.State),
		StateType:           stateTypeName(c.StateType),
		Attempt:             c.Attempt,
		MaxAttempts:         c.MaxCheckAttempts,
		HasBeenChecked:      c.HasBeenChecked,
		LastCheck:           unixOrZero(c.LastCheck),
		NextCheck:           unixOrZero(c.NextCheck),
		LastStateChange:     unixOrZero(c.LastStateChange),
		LastHardStateChange: unixOrZero(c.LastHardStateChange),
		Acknowledged:        c.IsAcknowledged(now),
		DowntimeDepth:       c.DowntimeDepth(now),
		Flapping:            c.Flapping,
		FlapPercent:         c.FlapPercent(),
	}
	if c.DisplayName != c.Name() {
		v.DisplayName = c.DisplayName
	}
	if c.LastCheckResult != nil {
		v.Output = c.LastCheckResult.Output
	}
	return v
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	now := s.Clock.Now()
	views := []checkableStatus{}
	for _, hst := range s.Store.Hosts() {
		views = append(views, s.checkableView(&hst.Checkable, now))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	now := s.Clock.Now()
	views := []checkableStatus{}
	for _, svc := range s.Store.Services() {
		views = append(views, s.checkableView(&svc.Checkable, now))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	c, err := s.Store.Resolve(objects.TypeHost, p.ByName("host"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, s.checkableView(c, s.Clock.Now()))
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("host") + "!" + p.ByName("service")
	c, err := s.Store.Resolve(objects.TypeService, name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, s.checkableView(c, s.Clock.Now()))
}

func stateTypeName(t objects.StateType) string {
	if t == objects.StateTypeHard {
		return "HARD"
	}
	return "SOFT"
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write API response.")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
