package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/routing"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/go-chi/chi/v5"
)

// Message listing bounds for GET /messages.
const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

func (s *Server) now() time.Time {
	return s.opts.Clock().UTC()
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListFlows(r.Context())
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed to list flows", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.store.GetFlow(r.Context(), id)
	if err != nil {
		slog.Error("Server.getFlowHandler: failed to load flow", "flowID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if err := decodeJSON(r, &f); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow definition: "+err.Error()))
		return
	}
	existing, err := s.store.GetFlow(r.Context(), f.ID)
	if err != nil {
		slog.Error("Server.createFlowHandler: failed to check flow", "flowID", f.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(fmt.Sprintf("Flow %s already exists", f.ID)))
		return
	}
	s.saveFlow(w, r, f, http.StatusCreated)
}

func (s *Server) updateFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var f models.Flow
	if err := decodeJSON(r, &f); err != nil {
		slog.Warn("Server.updateFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow definition: "+err.Error()))
		return
	}
	if f.ID == "" {
		f.ID = id
	}
	if f.ID != id {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Flow id does not match the URL"))
		return
	}
	s.saveFlow(w, r, f, http.StatusOK)
}

// saveFlow validates and stores a definition. The store replaces it atomically, so live
// sessions move to the new graph on their next step.
func (s *Server) saveFlow(w http.ResponseWriter, r *http.Request, f models.Flow, status int) {
	if err := f.Validate(); err != nil {
		slog.Warn("Server.saveFlow: invalid flow", "flowID", f.ID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	f.DeriveEdges()
	if err := s.store.SaveFlow(r.Context(), f); err != nil {
		slog.Error("Server.saveFlow: failed to save flow", "flowID", f.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.saveFlow: flow saved", "flowID", f.ID, "version", f.Version, "active", f.Active)
	writeJSONResponse(w, status, models.Success(f))
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteFlow(r.Context(), id); err != nil {
		slog.Error("Server.deleteFlowHandler: failed to delete flow", "flowID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete flow"))
		return
	}
	slog.Info("Server.deleteFlowHandler: flow deleted", "flowID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow deleted", map[string]string{"id": id}))
}

func (s *Server) listKeywordsHandler(w http.ResponseWriter, r *http.Request) {
	keywords, err := s.store.ListKeywords(r.Context())
	if err != nil {
		slog.Error("Server.listKeywordsHandler: failed to list keywords", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list keywords"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(keywords))
}

func (s *Server) saveKeywordHandler(w http.ResponseWriter, r *http.Request) {
	var k models.SmsKeyword
	if err := decodeJSON(r, &k); err != nil {
		slog.Warn("Server.saveKeywordHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := k.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if k.FlowID != "" {
		if !s.flowExists(r.Context(), w, k.FlowID) {
			return
		}
	}
	k.Keyword = models.NormalizeKeyword(k.Keyword)
	if err := s.store.SaveKeyword(r.Context(), k); err != nil {
		slog.Error("Server.saveKeywordHandler: failed to save keyword", "keyword", k.Keyword, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save keyword"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(k))
}

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRoutingRules(r.Context())
	if err != nil {
		slog.Error("Server.listRulesHandler: failed to list rules", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list routing rules"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rules))
}

// saveRuleHandler inserts a rule (id 0) or updates one. A change that would leave a
// channel with two active default rules is refused.
func (s *Server) saveRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.RoutingRule
	if err := decodeJSON(r, &rule); err != nil {
		slog.Warn("Server.saveRuleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := rule.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.flowExists(r.Context(), w, rule.FlowID) {
		return
	}

	existing, err := s.store.ListRoutingRules(r.Context())
	if err != nil {
		slog.Error("Server.saveRuleHandler: failed to list rules", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save routing rule"))
		return
	}
	candidate := make([]models.RoutingRule, 0, len(existing)+1)
	for _, ex := range existing {
		if rule.ID != 0 && ex.ID == rule.ID {
			continue
		}
		candidate = append(candidate, ex)
	}
	candidate = append(candidate, rule)
	if err := routing.CheckRuleSet(candidate); err != nil {
		slog.Warn("Server.saveRuleHandler: rule set rejected", "error", err)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	}

	status := http.StatusCreated
	if rule.ID != 0 {
		status = http.StatusOK
	}
	if err := s.store.SaveRoutingRule(r.Context(), &rule); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Routing rule not found"))
			return
		}
		slog.Error("Server.saveRuleHandler: failed to save rule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save routing rule"))
		return
	}
	slog.Info("Server.saveRuleHandler: routing rule saved", "ruleID", rule.ID, "channel", rule.Channel, "matcher", rule.MatcherType, "flowID", rule.FlowID)
	writeJSONResponse(w, status, models.Success(rule))
}

// flowExists writes the error response itself and reports false when id is not a stored flow.
func (s *Server) flowExists(ctx context.Context, w http.ResponseWriter, id string) bool {
	f, err := s.store.GetFlow(ctx, id)
	if err != nil {
		slog.Error("Server.flowExists: failed to load flow", "flowID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
		return false
	}
	if f == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("Unknown flow %q", id)))
		return false
	}
	return true
}

// sessionKeyParams reads and validates the phone and channel query parameters.
func sessionKeyParams(w http.ResponseWriter, r *http.Request) (string, models.Channel, bool) {
	q := r.URL.Query()
	phone, err := models.CanonicalizePhone(q.Get("phone"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return "", "", false
	}
	channel := models.Channel(q.Get("channel"))
	if !models.IsValidChannel(channel) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("%v %q", models.ErrInvalidChannel, channel)))
		return "", "", false
	}
	return phone, channel, true
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	phone, channel, ok := sessionKeyParams(w, r)
	if !ok {
		return
	}
	sess, err := s.store.GetLiveSession(r.Context(), phone, channel, s.now())
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load session", "phone", phone, "channel", channel, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No live session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// deleteSessionHandler force-closes the live session of a phone so its next message routes
// afresh.
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	phone, channel, ok := sessionKeyParams(w, r)
	if !ok {
		return
	}
	sess, err := s.store.GetLiveSession(r.Context(), phone, channel, s.now())
	if err != nil {
		slog.Error("Server.deleteSessionHandler: failed to load session", "phone", phone, "channel", channel, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No live session"))
		return
	}
	if err := s.store.DeleteSession(r.Context(), *sess); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			writeJSONResponse(w, http.StatusConflict, models.Error("Session changed, retry"))
			return
		}
		slog.Error("Server.deleteSessionHandler: failed to delete session", "sessionID", sess.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete session"))
		return
	}
	slog.Info("Server.deleteSessionHandler: session closed", "sessionID", sess.ID, "phone", phone, "channel", channel)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session closed", map[string]string{"id": sess.ID}))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.MessageFilter{Limit: defaultMessageLimit}
	if raw := q.Get("phone"); raw != "" {
		phone, err := models.CanonicalizePhone(raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		filter.Phone = phone
	}
	if raw := q.Get("channel"); raw != "" {
		filter.Channel = models.Channel(raw)
		if !models.IsValidChannel(filter.Channel) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("%v %q", models.ErrInvalidChannel, raw)))
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		filter.Limit = min(n, maxMessageLimit)
	}

	messages, err := s.store.ListGatewayMessages(r.Context(), filter)
	if err != nil {
		slog.Error("Server.listMessagesHandler: failed to list messages", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	if messages == nil {
		messages = []models.GatewayMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

func (s *Server) saveOptInHandler(w http.ResponseWriter, r *http.Request) {
	var o models.OptIn
	if err := decodeJSON(r, &o); err != nil {
		slog.Warn("Server.saveOptInHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, err := models.CanonicalizePhone(o.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	o.Phone = phone
	if !models.IsValidChannel(o.Channel) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("%v %q", models.ErrInvalidChannel, o.Channel)))
		return
	}
	if o.Source == "" {
		o.Source = "admin"
	}
	if o.ConsentAt.IsZero() {
		o.ConsentAt = s.now()
	}
	if err := s.store.SaveOptIn(r.Context(), o); err != nil {
		slog.Error("Server.saveOptInHandler: failed to save opt-in", "phone", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save opt-in"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(o))
}
