package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/gateway"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// emptyTwiML acknowledges a Twilio webhook without a synchronous reply; replies go out
// through the Messages API.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// inboundResult is the JSON result of POST /inbound.
type inboundResult struct {
	Reply             string               `json:"reply"`
	Body              string               `json:"body,omitempty"`
	EndSession        bool                 `json:"end_session"`
	Outcome           string               `json:"outcome,omitempty"`
	FlowID            string               `json:"flow_id,omitempty"`
	SessionID         string               `json:"session_id,omitempty"`
	DeliveryStatus    models.MessageStatus `json:"delivery_status,omitempty"`
	DeliveryError     string               `json:"delivery_error,omitempty"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
}

func newInboundResult(reply messaging.Reply) inboundResult {
	return inboundResult{
		Reply:             reply.Text,
		Body:              reply.Body,
		EndSession:        reply.EndSession,
		Outcome:           string(reply.Outcome),
		FlowID:            reply.FlowID,
		SessionID:         reply.SessionID,
		DeliveryStatus:    reply.Delivery.Status,
		DeliveryError:     reply.Delivery.Error,
		ProviderMessageID: reply.Delivery.ProviderMessageID,
	}
}

// inboundHandler accepts a provider-neutral JSON InboundEvent.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	var ev models.InboundEvent
	if err := decodeJSON(r, &ev); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}

	reply, err := s.inbound.Handle(r.Context(), ev)
	if err != nil {
		slog.Warn("Server.inboundHandler: rejected event", "channel", ev.Channel, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if reply.Dropped {
		writeJSONResponse(w, http.StatusOK, models.Dropped(reply.Reason))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(newInboundResult(reply)))
}

// handleForm runs a form-encoded provider event through the pipeline. It reports false
// after writing an error response.
func (s *Server) handleForm(w http.ResponseWriter, r *http.Request, handler string, ev models.InboundEvent) (messaging.Reply, bool) {
	ev.ReceivedAt = s.now()
	reply, err := s.inbound.Handle(r.Context(), ev)
	if err != nil {
		slog.Warn("Server."+handler+": rejected event", "phone", ev.Phone, "error", err)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return messaging.Reply{}, false
	}
	if reply.Dropped {
		slog.Debug("Server."+handler+": event dropped", "phone", ev.Phone, "reason", reply.Reason)
	}
	return reply, true
}

func parseForm(w http.ResponseWriter, r *http.Request, handler string, required ...string) bool {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server."+handler+": failed to parse form", "error", err)
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return false
	}
	for _, key := range required {
		if strings.TrimSpace(r.PostForm.Get(key)) == "" {
			slog.Warn("Server."+handler+": missing form field", "field", key)
			http.Error(w, "missing "+key, http.StatusBadRequest)
			return false
		}
	}
	return true
}

// twilioSMSHandler receives inbound SMS from Twilio.
func (s *Server) twilioSMSHandler(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, "twilioSMSHandler", "From") {
		return
	}
	ev := models.InboundEvent{
		Channel:   models.ChannelSMS,
		Phone:     r.PostForm.Get("From"),
		Body:      r.PostForm.Get("Body"),
		MessageID: r.PostForm.Get("MessageSid"),
	}
	if _, ok := s.handleForm(w, r, "twilioSMSHandler", ev); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.twilioSMSHandler: failed to write response", "error", err)
	}
}

// twilioStatusHandler receives Twilio message status callbacks.
func (s *Server) twilioStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, "twilioStatusHandler", "MessageSid", "MessageStatus") {
		return
	}
	var errText string
	if code := r.PostForm.Get("ErrorCode"); code != "" {
		errText = "twilio error " + code
	}
	s.recordDelivery(w, r, "twilioStatusHandler", r.PostForm.Get("MessageSid"),
		gateway.TwilioStatus(r.PostForm.Get("MessageStatus")), errText)
}

// africasTalkingSMSHandler receives inbound SMS from Africa's Talking.
func (s *Server) africasTalkingSMSHandler(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, "africasTalkingSMSHandler", "from") {
		return
	}
	ev := models.InboundEvent{
		Channel:   models.ChannelSMS,
		Phone:     r.PostForm.Get("from"),
		Body:      r.PostForm.Get("text"),
		MessageID: r.PostForm.Get("id"),
	}
	reply, ok := s.handleForm(w, r, "africasTalkingSMSHandler", ev)
	if !ok {
		return
	}
	if reply.Dropped {
		writeJSONResponse(w, http.StatusOK, models.Dropped(reply.Reason))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(newInboundResult(reply)))
}

// africasTalkingUSSDHandler answers one USSD request synchronously. Africa's Talking sends
// the whole input history joined by '*'; the last segment is the latest answer and an empty
// text marks the initial dial.
func (s *Server) africasTalkingUSSDHandler(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, "africasTalkingUSSDHandler", "sessionId", "phoneNumber") {
		return
	}
	sessionID := r.PostForm.Get("sessionId")
	text := r.PostForm.Get("text")
	ev := models.InboundEvent{
		Channel:   models.ChannelUSSD,
		Phone:     r.PostForm.Get("phoneNumber"),
		USSDCode:  r.PostForm.Get("serviceCode"),
		SessionID: sessionID,
		Body:      latestUSSDInput(text),
		// Each request of a session carries a longer history, so this only repeats on
		// a redelivery of the same request.
		MessageID: sessionID + ":" + text,
	}
	reply, ok := s.handleForm(w, r, "africasTalkingUSSDHandler", ev)
	if !ok {
		return
	}
	writeTextResponse(w, http.StatusOK, ussdBody(reply))
}

// africasTalkingDeliveryHandler receives Africa's Talking delivery reports.
func (s *Server) africasTalkingDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, "africasTalkingDeliveryHandler", "id", "status") {
		return
	}
	s.recordDelivery(w, r, "africasTalkingDeliveryHandler", r.PostForm.Get("id"),
		gateway.AfricasTalkingStatus(r.PostForm.Get("status")), r.PostForm.Get("failureReason"))
}

func (s *Server) recordDelivery(w http.ResponseWriter, r *http.Request, handler, providerMessageID string, status models.MessageStatus, errText string) {
	found, err := s.deliveries.RecordDeliveryReport(r.Context(), providerMessageID, status, errText)
	if err != nil {
		slog.Error("Server."+handler+": failed to record delivery report", "providerMessageID", providerMessageID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record delivery report"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"provider_message_id": providerMessageID,
		"status":              status,
		"matched":             found,
	}))
}

// latestUSSDInput returns the last '*'-separated segment of an aggregator text history.
func latestUSSDInput(text string) string {
	if text == "" {
		return ""
	}
	if i := strings.LastIndex(text, "*"); i >= 0 {
		return text[i+1:]
	}
	return text
}

// ussdBody returns the CON/END response for a pipeline reply. A reply that never reached a
// USSD-capable provider is formatted here so the aggregator always gets a valid response.
func ussdBody(reply messaging.Reply) string {
	if strings.HasPrefix(reply.Body, "CON ") || strings.HasPrefix(reply.Body, "END ") {
		return reply.Body
	}
	if reply.Dropped || reply.Text == "" {
		return gateway.FormatUSSDResponse(flow.UnavailableMessage, true)
	}
	return gateway.FormatUSSDResponse(reply.Text, reply.EndSession)
}
