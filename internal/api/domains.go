package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/factory-core/internal/gateway"
	"github.com/nerrad567/factory-core/internal/messages"
	"github.com/nerrad567/factory-core/internal/orders"
	"github.com/nerrad567/factory-core/internal/transport"
)

// GenerateRequest asks for an example payload of a topic.
type GenerateRequest struct {
	Topic  string         `json:"topic"`
	Params map[string]any `json:"params,omitempty"`
}

// ValidateRequest checks a payload against the schema of a topic.
type ValidateRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// PublishRequest publishes a payload. QoS and Retain override the
// registry settings when present.
type PublishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	QoS     *int            `json:"qos,omitempty"`
	Retain  *bool           `json:"retain,omitempty"`
}

// OrdersResponse lists the orders of a domain.
type OrdersResponse struct {
	Active    []orders.Order `json:"active"`
	Completed []orders.Order `json:"completed"`
}

// gatewayFor resolves the {domain} URL parameter, writing a 404 when the
// domain is unknown.
func (s *Server) gatewayFor(w http.ResponseWriter, r *http.Request) (*gateway.Gateway, bool) {
	domain := chi.URLParam(r, "domain")
	gw, ok := s.core.Gateway(domain)
	if !ok {
		writeNotFound(w, "unknown domain "+domain)
		return nil, false
	}
	return gw, true
}

// handleListDomains returns the status of every domain.
func (s *Server) handleListDomains(w http.ResponseWriter, _ *http.Request) {
	out := make([]gateway.SystemStatus, 0)
	for _, name := range s.core.Domains() {
		if gw, ok := s.core.Gateway(name); ok {
			out = append(out, gw.SystemStatus())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out, "count": len(out)})
}

func (s *Server) handleDomainStatus(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, gw.SystemStatus())
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, gw.ConnectionInfo())
}

// handleTopics returns every registered topic together with the domain's
// published and subscribed sets.
func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topics":     gw.AllTopics(),
		"published":  gw.PublishedTopics(),
		"subscribed": gw.SubscribedTopics(),
	})
}

func (s *Server) handleTopicSchemas(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, gw.TopicSchemas())
}

// handleBuffers returns the buffered messages, optionally of one topic.
func (s *Server) handleBuffers(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	buffers := gw.AllMessageBuffers()
	if topic := r.URL.Query().Get("topic"); topic != "" {
		msgs := buffers[topic]
		if msgs == nil {
			msgs = []transport.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{topic: msgs})
		return
	}
	writeJSON(w, http.StatusOK, buffers)
}

func (s *Server) handleClearBuffers(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	gw.ClearMessageHistory()
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Messages
// =============================================================================

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeBadRequest(w, "topic is required")
		return
	}

	payload, ok := gw.GenerateMessage(req.Topic, req.Params)
	if !ok {
		writeNotFound(w, "no schema bound to topic "+req.Topic)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": req.Topic, "payload": payload})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeBadRequest(w, "topic is required")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeBadRequest(w, "payload is not valid JSON")
			return
		}
	}

	report := gw.ValidateMessage(req.Topic, payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":    req.Topic,
		"valid":    report.Valid(),
		"errors":   report.Errors,
		"warnings": report.Warnings,
	})
}

// handlePublish sends a payload through the gateway. Refusals before the
// transport map to 422, a disconnected transport to 503.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeBadRequest(w, "topic is required")
		return
	}
	if len(req.Payload) == 0 {
		writeBadRequest(w, "payload is required")
		return
	}

	var opts []transport.PublishOption
	if req.QoS != nil {
		if *req.QoS < 0 || *req.QoS > 2 {
			writeBadRequest(w, "qos must be 0, 1, or 2")
			return
		}
		opts = append(opts, transport.WithQoS(byte(*req.QoS)))
	}
	if req.Retain != nil {
		opts = append(opts, transport.WithRetain(*req.Retain))
	}

	err := gw.PublishMessage(r.Context(), req.Topic, []byte(req.Payload), opts...)
	var cfgErr *messages.ConfigurationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "published", "topic": req.Topic})
	case errors.As(err, &cfgErr):
		writeValidationError(w, cfgErr.Error(), cfgErr.Violations)
	case errors.Is(err, transport.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}

// =============================================================================
// Domain managers
// =============================================================================

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, OrdersResponse{
		Active:    gw.Orders().ActiveOrders(),
		Completed: gw.Orders().CompletedOrders(),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	order, ok := gw.Orders().OrderByID(id)
	if !ok {
		writeNotFound(w, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleOrderPlan returns the order's steps with navigation states enhanced.
func (s *Server) handleOrderPlan(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := gw.Orders().OrderByID(id); !ok {
		writeNotFound(w, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "steps": gw.Orders().CompleteOrderPlan(id)})
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, gw.Stock().InventoryStatus())
}

// handleSensors returns the latest readings and per-sensor message counts.
// The camera image is served separately.
func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	snap := gw.Sensors().Snapshot()
	if snap.Camera != nil {
		snap.Camera.Image = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readings": snap,
		"counts":   gw.Sensors().Counts(),
	})
}

// handleCameraFrame serves the latest camera image as binary.
func (s *Server) handleCameraFrame(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFor(w, r)
	if !ok {
		return
	}
	frame, ok := gw.Sensors().Camera()
	if !ok {
		writeNotFound(w, "no camera frame received")
		return
	}
	contentType := "application/octet-stream"
	switch frame.Format {
	case "jpeg", "jpg":
		contentType = "image/jpeg"
	case "png":
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(frame.Image)
}
