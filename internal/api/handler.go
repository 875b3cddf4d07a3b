package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/mdevd/internal/engine"
	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/match"
	"github.com/gyaneshwarpardhi/mdevd/internal/metrics"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
)

const maxBodyBytes = 64 << 10

// Reloader re-reads the rule file and swaps it into the engine.
type Reloader func() ([]*rule.ParseError, error)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	reload Reloader
	logger *zap.Logger
	mux    *http.ServeMux
}

// New creates the admin HTTP handler and registers all routes. reload may
// be nil, which disables the reload endpoint.
func New(eng *engine.Engine, reload Reloader, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{eng: eng, reload: reload, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /v1/rules", h.listRules)
	h.mux.HandleFunc("POST /v1/rules/reload", h.reloadRules)
	h.mux.HandleFunc("POST /v1/resolve", h.resolve)
	h.mux.HandleFunc("GET /v1/nodes", h.listNodes)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

type ruleView struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// GET /v1/rules: the active rule set in canonical form.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	set := h.eng.Rules()
	rules := make([]ruleView, 0, set.Len())
	for _, rl := range set.Rules() {
		rules = append(rules, ruleView{Line: rl.Line, Text: rl.String()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":    set.Source(),
		"version":   set.Version(),
		"loaded_at": set.LoadedAt().Format(time.RFC3339),
		"count":     set.Len(),
		"rules":     rules,
	})
}

type diagnosticView struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

// POST /v1/rules/reload: re-read the rule file. The active rules stay in
// place when the new file is rejected.
func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeError(w, http.StatusNotImplemented, "rule reload is not configured")
		return
	}
	diags, err := h.reload()
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":          err.Error(),
			"line":           rule.LineOf(err),
			"active_version": h.eng.Rules().Version(),
		})
		return
	}
	views := make([]diagnosticView, 0, len(diags))
	for _, d := range diags {
		views = append(views, diagnosticView{Line: d.Line, Error: d.Error()})
	}
	set := h.eng.Rules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":    true,
		"version":     set.Version(),
		"rules_count": set.Len(),
		"skipped":     views,
	})
}

type resolveRequest struct {
	Attributes map[string]string `json:"attributes"`
}

type actionView struct {
	Rule     int      `json:"rule"`
	RuleText string   `json:"rule_text,omitempty"`
	Node     string   `json:"node"`
	NodePath string   `json:"node_path,omitempty"`
	LinkPath string   `json:"link_path,omitempty"`
	UID      uint32   `json:"uid"`
	GID      uint32   `json:"gid"`
	Mode     string   `json:"mode"`
	Command  string   `json:"command,omitempty"`
	Timing   string   `json:"timing,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// POST /v1/resolve: dry-run an event against the active rules.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	ev, err := event.New(req.Attributes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acts := h.eng.Resolve(ev)
	views := make([]actionView, 0, len(acts))
	for _, a := range acts {
		views = append(views, newActionView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_id":      ev.ID(),
		"action":        ev.Kind().String(),
		"device":        ev.Name(),
		"rules_version": h.eng.Rules().Version(),
		"actions":       views,
	})
}

func newActionView(a *match.ResolvedAction) actionView {
	v := actionView{
		Rule:     a.RuleLine(),
		Node:     nodeOpName(a.Node),
		NodePath: a.NodePath,
		LinkPath: a.LinkPath,
		UID:      a.UID,
		GID:      a.GID,
		Mode:     fmt.Sprintf("%04o", a.Mode),
		Command:  a.Command,
	}
	if a.Rule != nil {
		v.RuleText = a.Rule.String()
	}
	if a.Command != "" {
		v.Timing = string(rune(a.Timing))
	}
	for _, w := range a.Warnings {
		v.Warnings = append(v.Warnings, w.Error())
	}
	return v
}

func nodeOpName(op rule.NodeOp) string {
	switch op {
	case rule.NodeMove:
		return "move"
	case rule.NodeMoveLink:
		return "move+link"
	case rule.NodePrevent:
		return "none"
	}
	return "create"
}

// GET /v1/nodes: device nodes created by this process.
func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.eng.Nodes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(nodes),
		"nodes": nodes,
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 while stopping or when the queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	switch {
	case !h.eng.Ready():
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "stopping",
		})
	case util > 0.8:
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            "ready",
			"queue_utilization": util,
		})
	}
}
