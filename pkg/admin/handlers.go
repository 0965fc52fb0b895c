package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/getmockd/mockproxy/pkg/config"
	"github.com/getmockd/mockproxy/pkg/requestlog"
	"github.com/getmockd/mockproxy/pkg/rule"
)

const maxRuleBody = 1 << 20

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  int    `json:"uptime"`
	Running bool   `json:"running"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Running      bool   `json:"running"`
	URL          string `json:"url,omitempty"`
	Fallback     string `json:"fallback"`
	Rules        int    `json:"rules"`
	Requests     int    `json:"requests"`
	Interception bool   `json:"interception"`
	Uptime       int    `json:"uptime"`
}

// RuleSummary describes one registered rule.
type RuleSummary struct {
	ID          string `json:"id"`
	Handler     string `json:"handler"`
	Description string `json:"description"`
}

// RulesResponse is returned by GET /rules.
type RulesResponse struct {
	Count int           `json:"count"`
	Rules []RuleSummary `json:"rules"`
}

// RequestsResponse is returned by GET /requests.
type RequestsResponse struct {
	Count    int                 `json:"count"`
	Total    int                 `json:"total"`
	Requests []*requestlog.Entry `json:"requests"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  a.Uptime(),
		Running: a.proxy.Running(),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Running:      a.proxy.Running(),
		URL:          a.proxy.URL(),
		Fallback:     string(a.proxy.Config().Fallback),
		Rules:        a.proxy.Rules().Len(),
		Interception: a.certs != nil,
		Uptime:       a.Uptime(),
	}
	if a.requests != nil {
		resp.Requests = a.requests.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func summarize(r *rule.Rule) RuleSummary {
	return RuleSummary{
		ID:          r.ID,
		Handler:     r.Handler.Kind.String(),
		Description: r.String(),
	}
}

func (a *API) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := a.proxy.Rules().Rules()
	out := make([]RuleSummary, 0, len(rules))
	for _, r := range rules {
		out = append(out, summarize(r))
	}
	writeJSON(w, http.StatusOK, RulesResponse{Count: len(out), Rules: out})
}

// handleAddRule accepts a rule in config file form, encoded as JSON.
func (a *API) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var def config.RuleDefinition
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRuleBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		a.log.Debug("rule JSON rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_json", ErrMsgInvalidJSON)
		return
	}
	if err := def.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	built, err := def.Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	added, err := a.proxy.AddRules(built)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	a.log.Info("rule added via admin API", "id", added[0].ID, "rule", added[0].String())
	writeJSON(w, http.StatusCreated, summarize(added[0]))
}

func (a *API) handleClearRules(w http.ResponseWriter, _ *http.Request) {
	a.proxy.ClearRules()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.proxy.RemoveRule(id) {
		writeError(w, http.StatusNotFound, "not_found", ErrMsgNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if a.requests == nil {
		writeError(w, http.StatusNotFound, "no_request_log", "Request logging is disabled")
		return
	}
	q := r.URL.Query()
	filter := &requestlog.Filter{
		Method:        q.Get("method"),
		Host:          q.Get("host"),
		Path:          q.Get("path"),
		MatchedRuleID: q.Get("rule"),
	}
	if limit, ok := queryInt(q.Get("limit"), 1); ok {
		filter.Limit = limit
	}
	if offset, ok := queryInt(q.Get("offset"), 0); ok {
		filter.Offset = offset
	}
	if status, ok := queryInt(q.Get("status"), 1); ok {
		filter.StatusCode = status
	}
	if v := q.Get("error"); v != "" {
		hasErr, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", "error must be true or false")
			return
		}
		filter.HasError = &hasErr
	}

	entries := a.requests.List(filter)
	if entries == nil {
		entries = []*requestlog.Entry{}
	}
	writeJSON(w, http.StatusOK, RequestsResponse{
		Count:    len(entries),
		Total:    a.requests.Count(),
		Requests: entries,
	})
}

func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if a.requests == nil {
		writeError(w, http.StatusNotFound, "no_request_log", "Request logging is disabled")
		return
	}
	entry := a.requests.Get(chi.URLParam(r, "id"))
	if entry == nil {
		writeError(w, http.StatusNotFound, "not_found", ErrMsgNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleClearRequests(w http.ResponseWriter, _ *http.Request) {
	if a.requests != nil {
		a.requests.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEnv(w http.ResponseWriter, _ *http.Request) {
	if !a.proxy.Running() {
		writeError(w, http.StatusServiceUnavailable, "not_running", "Proxy is not running")
		return
	}
	writeJSON(w, http.StatusOK, a.proxy.ProxyEnv())
}

func (a *API) handleCACert(w http.ResponseWriter, _ *http.Request) {
	if a.certs == nil {
		writeError(w, http.StatusNotFound, "no_ca", "TLS interception is disabled")
		return
	}
	pem, err := a.certs.CACertPEM()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ca_error", sanitizeError(err, a.log, "read CA certificate"))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="mockproxy-ca.pem"`)
	_, _ = w.Write(pem)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := a.proxy.Metrics()
	if m == nil {
		writeError(w, http.StatusNotFound, "no_metrics", "Metrics are disabled")
		return
	}
	m.Handler().ServeHTTP(w, r)
}

// queryInt parses v as an integer no smaller than lowest.
func queryInt(v string, lowest int) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lowest {
		return 0, false
	}
	return n, true
}
