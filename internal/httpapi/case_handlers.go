package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"linkbio.org/internal/enforce"
	"linkbio.org/internal/policy"
)

// --- Bans ---

type issueBanRequest struct {
	SubjectUserID string `json:"subject_user_id"`
	BanType       string `json:"ban_type"`
	Reason        string `json:"reason"`
	InternalNotes string `json:"internal_notes"`
	DurationUnit  string `json:"duration_unit"`
	DurationValue int    `json:"duration_value"`
}

func (a *API) handleBansCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issueBan(w, r)
	case http.MethodGet:
		a.listBans(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) issueBan(w http.ResponseWriter, r *http.Request) {
	var req issueBanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ban, err := a.gateway.IssueBan(r.Context(), enforce.IssueBanInput{
		SubjectUserID: strings.TrimSpace(req.SubjectUserID),
		Type:          enforce.BanType(req.BanType),
		Reason:        req.Reason,
		InternalNotes: req.InternalNotes,
		Duration: policy.DurationSpec{
			Unit:  policy.DurationUnit(req.DurationUnit),
			Value: req.DurationValue,
		},
	})
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/bans/"+ban.ID)
	writeJSON(w, http.StatusCreated, ban)
}

func (a *API) handleBanResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/bans/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ban, err := a.query.Ban(r.Context(), id)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ban)
}

type unbanRequest struct {
	SubjectUserID string `json:"subject_user_id"`
}

func (a *API) handleUnban(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req unbanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectUserID) == "" {
		writeError(w, r, http.StatusBadRequest, "subject_user_id is required")
		return
	}
	ban, err := a.gateway.Unban(r.Context(), strings.TrimSpace(req.SubjectUserID))
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ban)
}

func (a *API) listBans(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := enforce.BanFilter{
		SubjectID: strings.TrimSpace(r.URL.Query().Get("subject")),
		Status:    enforce.BanStatus(r.URL.Query().Get("status")),
		Limit:     limit,
		Offset:    offset,
	}
	items, err := a.query.Bans(r.Context(), f)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[enforce.Ban]{Items: items, AsOf: time.Now().UTC()})
}

// --- Appeals ---

type fileAppealRequest struct {
	BanID   string `json:"ban_id"`
	Message string `json:"message"`
}

func (a *API) handleAppeals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req fileAppealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.BanID) == "" {
		writeError(w, r, http.StatusBadRequest, "ban_id is required")
		return
	}
	appeal, err := a.gateway.FileAppeal(r.Context(), strings.TrimSpace(req.BanID), req.Message)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appeal)
}

type reviewAppealRequest struct {
	AppealID string `json:"appeal_id"`
	Decision string `json:"decision"`
	Response string `json:"response"`
}

func (a *API) handleAppealReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req reviewAppealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AppealID) == "" {
		writeError(w, r, http.StatusBadRequest, "appeal_id is required")
		return
	}
	appeal, err := a.gateway.ReviewAppeal(r.Context(), strings.TrimSpace(req.AppealID),
		enforce.AppealDecision(req.Decision), req.Response)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appeal)
}

// --- Violations ---

type reportViolationRequest struct {
	DetectedDomain      string `json:"detected_domain"`
	ViolationType       string `json:"violation_type"`
	Severity            string `json:"severity"`
	EvidenceDescription string `json:"evidence_description"`
	ContactEmail        string `json:"contact_email"`
}

func (a *API) handleViolationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.reportViolation(w, r)
	case http.MethodGet:
		a.listViolations(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) reportViolation(w http.ResponseWriter, r *http.Request) {
	var req reportViolationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.gateway.ReportViolation(r.Context(), enforce.ReportViolationInput{
		DetectedDomain:      req.DetectedDomain,
		Type:                enforce.ViolationType(req.ViolationType),
		Severity:            enforce.Severity(req.Severity),
		EvidenceDescription: req.EvidenceDescription,
		ContactEmail:        req.ContactEmail,
	})
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type licensePayload struct {
	LicenseeName   string     `json:"licensee_name"`
	LicenseeEmail  string     `json:"licensee_email"`
	AllowedDomains []string   `json:"allowed_domains"`
	MaxUsers       *int       `json:"max_users"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

func (p *licensePayload) toInput() *enforce.LicenseInput {
	if p == nil {
		return nil
	}
	return &enforce.LicenseInput{
		LicenseeName:   p.LicenseeName,
		LicenseeEmail:  p.LicenseeEmail,
		AllowedDomains: p.AllowedDomains,
		MaxUsers:       p.MaxUsers,
		ExpiresAt:      p.ExpiresAt,
	}
}

type transitionViolationRequest struct {
	ViolationID string          `json:"violation_id"`
	To          string          `json:"to"`
	Action      string          `json:"action"`
	License     *licensePayload `json:"license"`
}

func (a *API) handleViolationTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req transitionViolationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ViolationID) == "" {
		writeError(w, r, http.StatusBadRequest, "violation_id is required")
		return
	}
	v, err := a.gateway.TransitionViolation(r.Context(), strings.TrimSpace(req.ViolationID),
		enforce.ViolationStatus(req.To), enforce.EnforcementAction(req.Action), req.License.toInput())
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) listViolations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := enforce.ViolationFilter{
		Status:   enforce.ViolationStatus(r.URL.Query().Get("status")),
		Severity: enforce.Severity(r.URL.Query().Get("severity")),
		Domain:   strings.ToLower(strings.TrimSpace(r.URL.Query().Get("domain"))),
		Limit:    limit,
		Offset:   offset,
	}
	items, err := a.query.Violations(r.Context(), f)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[enforce.ComplianceViolation]{Items: items, AsOf: time.Now().UTC()})
}

// --- Links ---

type detectLinkRequest struct {
	PrimaryUserID string   `json:"primary_user_id"`
	LinkedUserID  string   `json:"linked_user_id"`
	Evidence      []string `json:"evidence"`
}

func (a *API) handleLinkDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req detectLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	evidence := make([]policy.SignalKind, 0, len(req.Evidence))
	for _, e := range req.Evidence {
		evidence = append(evidence, policy.SignalKind(strings.TrimSpace(e)))
	}
	link, err := a.gateway.DetectLink(r.Context(), strings.TrimSpace(req.PrimaryUserID),
		strings.TrimSpace(req.LinkedUserID), evidence)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

type resolveLinkRequest struct {
	LinkID string `json:"link_id"`
	To     string `json:"to"`
	Notes  string `json:"notes"`
}

type resolveLinkResponse struct {
	Link           enforce.MultiAccountLink   `json:"link"`
	Recommendation *enforce.BanRecommendation `json:"ban_recommendation,omitempty"`
}

func (a *API) handleLinkResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resolveLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.LinkID) == "" {
		writeError(w, r, http.StatusBadRequest, "link_id is required")
		return
	}
	link, rec, err := a.gateway.ResolveLink(r.Context(), strings.TrimSpace(req.LinkID),
		enforce.LinkStatus(req.To), req.Notes)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveLinkResponse{Link: link, Recommendation: rec})
}

func (a *API) handleLinksCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	minConfidence := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("min_confidence")); raw != "" {
		minConfidence, err = strconv.Atoi(raw)
		if err != nil || minConfidence < 0 || minConfidence > 100 {
			writeError(w, r, http.StatusBadRequest, "min_confidence must be between 0 and 100")
			return
		}
	}
	f := enforce.LinkFilter{
		UserID:        strings.TrimSpace(r.URL.Query().Get("user")),
		Status:        enforce.LinkStatus(r.URL.Query().Get("status")),
		MinConfidence: minConfidence,
		Limit:         limit,
		Offset:        offset,
	}
	items, err := a.query.Links(r.Context(), f)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[enforce.MultiAccountLink]{Items: items, AsOf: time.Now().UTC()})
}

// --- Alerts ---

type recordAlertRequest struct {
	UserID    string            `json:"user_id"`
	AlertType string            `json:"alert_type"`
	Severity  string            `json:"severity"`
	Metadata  map[string]string `json:"metadata"`
}

func (a *API) handleAlertsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.recordAlert(w, r)
	case http.MethodGet:
		a.listAlerts(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) recordAlert(w http.ResponseWriter, r *http.Request) {
	var req recordAlertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	alert, err := a.gateway.RecordAlert(r.Context(), enforce.RecordAlertInput{
		UserID:    strings.TrimSpace(req.UserID),
		AlertType: strings.TrimSpace(req.AlertType),
		Severity:  enforce.AlertSeverity(req.Severity),
		Metadata:  req.Metadata,
	})
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

type triageAlertRequest struct {
	AlertID       string `json:"alert_id"`
	To            string `json:"to"`
	Justification string `json:"justification,omitempty"`
}

func (a *API) handleAlertTriage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req triageAlertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AlertID) == "" {
		writeError(w, r, http.StatusBadRequest, "alert_id is required")
		return
	}
	alert, err := a.gateway.TriageAlert(r.Context(), strings.TrimSpace(req.AlertID), enforce.AlertStatus(req.To))
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) handleAlertFastTriage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req triageAlertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AlertID) == "" {
		writeError(w, r, http.StatusBadRequest, "alert_id is required")
		return
	}
	alert, err := a.gateway.FastTriageAlert(r.Context(), strings.TrimSpace(req.AlertID),
		enforce.AlertStatus(req.To), req.Justification)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := enforce.AlertFilter{
		UserID:   strings.TrimSpace(r.URL.Query().Get("user")),
		Status:   enforce.AlertStatus(r.URL.Query().Get("status")),
		Severity: enforce.AlertSeverity(r.URL.Query().Get("severity")),
		Limit:    limit,
		Offset:   offset,
	}
	items, err := a.query.Alerts(r.Context(), f)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[enforce.AbuseAlert]{Items: items, AsOf: time.Now().UTC()})
}

// --- Licenses ---

func (a *API) handleLicensesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req licensePayload
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	lic, err := a.gateway.IssueLicense(r.Context(), *req.toInput())
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/licenses/"+lic.ID)
	writeJSON(w, http.StatusCreated, lic)
}

type transitionLicenseRequest struct {
	LicenseID string `json:"license_id"`
	To        string `json:"to"`
}

func (a *API) handleLicenseTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req transitionLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.LicenseID) == "" {
		writeError(w, r, http.StatusBadRequest, "license_id is required")
		return
	}
	lic, err := a.gateway.TransitionLicense(r.Context(), strings.TrimSpace(req.LicenseID), enforce.LicenseStatus(req.To))
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (a *API) handleLicenseResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/licenses/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	lic, err := a.query.License(r.Context(), id)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

// --- Query facade ---

type listResponse[T any] struct {
	Items []T       `json:"items"`
	AsOf  time.Time `json:"as_of"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	stats, err := a.query.Stats(r.Context())
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := enforce.AuditFilter{
		CaseID: strings.TrimSpace(r.URL.Query().Get("case")),
		Family: enforce.CaseFamily(r.URL.Query().Get("family")),
		Limit:  limit,
		Offset: offset,
	}
	items, err := a.query.AuditTrail(r.Context(), f)
	if err != nil {
		handleEnforceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[enforce.AuditRecord]{Items: items, AsOf: time.Now().UTC()})
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			return 0, 0, errors.New("limit must be between 1 and 1000")
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
