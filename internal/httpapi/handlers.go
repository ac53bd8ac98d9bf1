// Package httpapi is the admin HTTP surface of the enforcement service. All
// case mutations go through the gateway; reads go through the query facade.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"linkbio.org/internal/enforce"
	"linkbio.org/internal/gateway"
	"linkbio.org/internal/obs"
	"linkbio.org/internal/policy"
)

// ReadyProbe reports readiness; with a DB configured it pings it.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	gateway    *gateway.Gateway
	query      *enforce.Query
	version    string

	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
}

func New(rp ReadyProbe, version string, gw *gateway.Gateway, q *enforce.Query) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		gateway:    gw,
		query:      q,
		version:    version,

		rateBurst:    50,
		ratePerSec:   25,
		maxBodyBytes: 1 << 20,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/bans", a.handleBansCollection)
	a.mux.HandleFunc("/v1/bans/unban", a.handleUnban)
	a.mux.HandleFunc("/v1/bans/", a.handleBanResource)
	a.mux.HandleFunc("/v1/appeals", a.handleAppeals)
	a.mux.HandleFunc("/v1/appeals/review", a.handleAppealReview)
	a.mux.HandleFunc("/v1/violations", a.handleViolationsCollection)
	a.mux.HandleFunc("/v1/violations/transition", a.handleViolationTransition)
	a.mux.HandleFunc("/v1/links", a.handleLinksCollection)
	a.mux.HandleFunc("/v1/links/detect", a.handleLinkDetect)
	a.mux.HandleFunc("/v1/links/resolve", a.handleLinkResolve)
	a.mux.HandleFunc("/v1/alerts", a.handleAlertsCollection)
	a.mux.HandleFunc("/v1/alerts/triage", a.handleAlertTriage)
	a.mux.HandleFunc("/v1/alerts/fast-triage", a.handleAlertFastTriage)
	a.mux.HandleFunc("/v1/licenses", a.handleLicensesCollection)
	a.mux.HandleFunc("/v1/licenses/transition", a.handleLicenseTransition)
	a.mux.HandleFunc("/v1/licenses/", a.handleLicenseResource)
	a.mux.HandleFunc("/v1/cases/stats", a.handleStats)
	a.mux.HandleFunc("/v1/audit", a.handleAuditTrail)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetLimits overrides the request throttling defaults.
func (a *API) SetLimits(rateBurst, ratePerSec int, maxBodyBytes int64) {
	if rateBurst > 0 {
		a.rateBurst = rateBurst
	}
	if ratePerSec > 0 {
		a.ratePerSec = ratePerSec
	}
	if maxBodyBytes > 0 {
		a.maxBodyBytes = maxBodyBytes
	}
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- Probes ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "linkbio-enforcement",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "linkbio-enforcement",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleEnforceError maps domain errors onto HTTP codes. Conflicts (including
// lost compare-and-set races) are 409 so callers know to re-read and retry;
// structurally illegal transitions are 422.
func handleEnforceError(w http.ResponseWriter, r *http.Request, err error) {
	var ite *enforce.IllegalTransitionError
	switch {
	case errors.Is(err, gateway.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, enforce.ErrInvalidInput),
		errors.Is(err, enforce.ErrInvalidReason),
		errors.Is(err, enforce.ErrJustificationRequired),
		errors.Is(err, policy.ErrInvalidDuration):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, enforce.ErrNotFound), errors.Is(err, enforce.ErrNoActiveBan):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.As(err, &ite):
		writeError(w, r, http.StatusUnprocessableEntity, ite.Error())
	case errors.Is(err, enforce.ErrActiveBanExists),
		errors.Is(err, enforce.ErrDuplicateAppeal),
		errors.Is(err, enforce.ErrAlreadyDecided),
		errors.Is(err, enforce.ErrAlreadyReversed),
		errors.Is(err, enforce.ErrBanNotAppealable),
		errors.Is(err, enforce.ErrConcurrentModification):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
