package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"commerce-agent/internal/domain"
	"commerce-agent/internal/observability"
	"commerce-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Ingester interface {
	Ingest(ctx context.Context, in usecase.IngestInput) (usecase.IngestOutput, error)
}

type Processor interface {
	Process(ctx context.Context, in usecase.ProcessInput) (usecase.ProcessOutput, error)
}

type LocationConfirmer interface {
	Confirm(ctx context.Context, in usecase.LocationInput) (usecase.LocationOutput, error)
}

type Controller interface {
	Pause(ctx context.Context, conversationID, reason string) error
	Resume(ctx context.Context, conversationID string) error
	SetInstruction(ctx context.Context, conversationID, instruction string) error
	SetBotPaused(ctx context.Context, paused bool) error
	ResetKillSwitch(ctx context.Context) error
	SetPayment(ctx context.Context, number string, status domain.PaymentStatus) error
}

// Services are the use cases exposed over HTTP.
type Services struct {
	Ingest    Ingester
	Process   Processor
	Locations LocationConfirmer
	Control   Controller
}

type Handler struct {
	s Services
}

type messageRequest struct {
	SenderID    string              `json:"senderId"`
	MessageID   string              `json:"messageId"`
	Text        string              `json:"text"`
	Attachments []domain.Attachment `json:"attachments"`
	Timestamp   *time.Time          `json:"timestamp"`
}

type processRequest struct {
	SenderID string `json:"senderId"`
	BatchKey string `json:"batchKey"`
}

type locationRequest struct {
	SenderID  string  `json:"senderId"`
	SessionID string  `json:"sessionId"`
	Address   string  `json:"address"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

type instructionRequest struct {
	Instruction string `json:"instruction"`
}

type paymentRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type locationResponse struct {
	Status     string  `json:"status"`
	Price      float64 `json:"price"`
	DistanceKM float64 `json:"distanceKm"`
	ETAMinutes int     `json:"etaMinutes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(s Services) (*Handler, error) {
	switch {
	case s.Ingest == nil:
		return nil, errors.New("handler: ingest use case must not be nil")
	case s.Process == nil:
		return nil, errors.New("handler: process use case must not be nil")
	case s.Locations == nil:
		return nil, errors.New("handler: location use case must not be nil")
	case s.Control == nil:
		return nil, errors.New("handler: control use case must not be nil")
	}
	return &Handler{s: s}, nil
}

// Handle routes an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	log := slog.With("correlation_id", corrID, "method", req.HTTPMethod, "path", req.Path)
	ctx = observability.WithLogger(ctx, log)

	if req.HTTPMethod != http.MethodPost {
		return respond(corrID, http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	segs := strings.Split(strings.Trim(req.Path, "/"), "/")
	var (
		body any
		err  error
	)
	switch {
	case len(segs) == 1 && segs[0] == "messages":
		body, err = h.ingest(ctx, req.Body)
	case len(segs) == 1 && segs[0] == "process":
		body, err = h.process(ctx, req.Body)
	case len(segs) == 2 && segs[0] == "locations" && segs[1] == "confirm":
		body, err = h.confirmLocation(ctx, req.Body)
	case len(segs) == 3 && segs[0] == "conversations" && segs[2] == "pause":
		body, err = h.pause(ctx, segs[1], req.Body)
	case len(segs) == 3 && segs[0] == "conversations" && segs[2] == "resume":
		body, err = h.resume(ctx, segs[1])
	case len(segs) == 3 && segs[0] == "conversations" && segs[2] == "instruction":
		body, err = h.setInstruction(ctx, segs[1], req.Body)
	case len(segs) == 2 && segs[0] == "bot" && segs[1] == "pause":
		body, err = h.setBotPaused(ctx, true)
	case len(segs) == 2 && segs[0] == "bot" && segs[1] == "resume":
		body, err = h.setBotPaused(ctx, false)
	case len(segs) == 3 && segs[0] == "bot" && segs[1] == "kill-switch" && segs[2] == "reset":
		body, err = h.resetKillSwitch(ctx)
	case len(segs) == 3 && segs[0] == "orders" && segs[2] == "payment":
		body, err = h.setPayment(ctx, segs[1], req.Body)
	default:
		return respond(corrID, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound)}), nil
	}
	if err != nil {
		status, code := mapError(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed", "code", code, "err", err)
		} else {
			log.Warn("request rejected", "code", code, "err", err)
		}
		return respond(corrID, status, errorResponse{Error: code}), nil
	}
	return respond(corrID, http.StatusOK, body), nil
}

func (h *Handler) ingest(ctx context.Context, raw string) (any, error) {
	var req messageRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	in := usecase.IngestInput{
		SenderID:    req.SenderID,
		MessageID:   req.MessageID,
		Text:        req.Text,
		Attachments: req.Attachments,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}
	out, err := h.s.Ingest.Ingest(ctx, in)
	if err != nil {
		return nil, err
	}
	return statusResponse{Status: out.Status}, nil
}

func (h *Handler) process(ctx context.Context, raw string) (any, error) {
	var req processRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	out, err := h.s.Process.Process(ctx, usecase.ProcessInput{ConversationID: req.SenderID, BatchKey: req.BatchKey})
	if err != nil {
		return nil, err
	}
	return statusResponse{Status: out.Status, Reason: out.Reason}, nil
}

func (h *Handler) confirmLocation(ctx context.Context, raw string) (any, error) {
	var req locationRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	out, err := h.s.Locations.Confirm(ctx, usecase.LocationInput{
		SenderID:  req.SenderID,
		SessionID: req.SessionID,
		Address:   req.Address,
		Lat:       req.Lat,
		Lon:       req.Lon,
	})
	if err != nil {
		return nil, err
	}
	return locationResponse{Status: "confirmed", Price: out.Price, DistanceKM: out.DistanceKM, ETAMinutes: out.ETAMinutes}, nil
}

func (h *Handler) pause(ctx context.Context, conversationID, raw string) (any, error) {
	var req pauseRequest
	if strings.TrimSpace(raw) != "" {
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
	}
	if err := h.s.Control.Pause(ctx, conversationID, req.Reason); err != nil {
		return nil, err
	}
	return statusResponse{Status: "paused"}, nil
}

func (h *Handler) setInstruction(ctx context.Context, conversationID, raw string) (any, error) {
	var req instructionRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := h.s.Control.SetInstruction(ctx, conversationID, req.Instruction); err != nil {
		return nil, err
	}
	return statusResponse{Status: "instruction_set"}, nil
}

func (h *Handler) setBotPaused(ctx context.Context, paused bool) (any, error) {
	if err := h.s.Control.SetBotPaused(ctx, paused); err != nil {
		return nil, err
	}
	if paused {
		return statusResponse{Status: "bot_paused"}, nil
	}
	return statusResponse{Status: "bot_running"}, nil
}

func (h *Handler) resetKillSwitch(ctx context.Context) (any, error) {
	if err := h.s.Control.ResetKillSwitch(ctx); err != nil {
		return nil, err
	}
	return statusResponse{Status: "kill_switch_reset"}, nil
}

func (h *Handler) resume(ctx context.Context, conversationID string) (any, error) {
	if err := h.s.Control.Resume(ctx, conversationID); err != nil {
		return nil, err
	}
	return statusResponse{Status: "resumed"}, nil
}

func (h *Handler) setPayment(ctx context.Context, number, raw string) (any, error) {
	var req paymentRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	status := domain.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if err := h.s.Control.SetPayment(ctx, number, status); err != nil {
		return nil, err
	}
	return statusResponse{Status: string(status)}, nil
}

func decode(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

func mapError(err error) (int, string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ucErr.Code)
	case usecase.ErrorNotFound:
		return http.StatusNotFound, string(ucErr.Code)
	case usecase.ErrorConflict:
		return http.StatusConflict, string(ucErr.Code)
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, string(ucErr.Code)
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ucErr.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func respond(corrID string, status int, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}
