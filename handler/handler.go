package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"message-ingest/internal/metrics"
	"message-ingest/internal/signature"
	"message-ingest/internal/usecase"
)

const (
	pathHealth          = "/"
	pathWebhook         = "/webhook"
	headerSignature     = "X-Hub-Signature-256"
	headerCorrelationID = "X-Correlation-Id"
	modeSubscribe       = "subscribe"
)

// Router dispatches the value of one "messages" change.
type Router interface {
	Route(ctx context.Context, value json.RawMessage)
}

type CredentialProvider interface {
	Credentials(ctx context.Context) (usecase.Credentials, error)
}

type Handler struct {
	router  Router
	creds   CredentialProvider
	logger  *slog.Logger
	metrics *metrics.Recorder
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(router Router, creds CredentialProvider, opts ...Option) (*Handler, error) {
	if router == nil {
		return nil, errors.New("handler: router must not be nil")
	}
	if creds == nil {
		return nil, errors.New("handler: credential provider must not be nil")
	}
	h := &Handler{router: router, creds: creds, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	correlationID := strings.TrimSpace(header(req, headerCorrelationID))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = usecase.WithCorrelationID(ctx, correlationID)
	logger := h.logger.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	defer func() {
		if p := recover(); p != nil {
			h.metrics.Delivery(metrics.DeliveryError)
			logger.Error("panic while handling request", "panic", fmt.Sprint(p))
			resp, err = jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}), nil
		}
		if resp.Headers == nil {
			resp.Headers = map[string]string{}
		}
		resp.Headers[headerCorrelationID] = correlationID
	}()

	path := strings.TrimRight(req.Path, "/")
	if path == "" {
		path = pathHealth
	}
	switch path {
	case pathHealth:
		if req.HTTPMethod != http.MethodGet {
			return methodNotAllowed(), nil
		}
		return jsonResponse(http.StatusOK, statusResponse{Status: "ok"}), nil
	case pathWebhook:
		switch req.HTTPMethod {
		case http.MethodGet:
			return h.handshake(ctx, logger, req), nil
		case http.MethodPost:
			return h.deliver(ctx, logger, req), nil
		default:
			return methodNotAllowed(), nil
		}
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: "not_found"}), nil
	}
}

// handshake answers the provider's subscription verification request.
func (h *Handler) handshake(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	creds, err := h.creds.Credentials(ctx)
	if err != nil {
		logger.Error("failed to load webhook credentials", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	q := req.QueryStringParameters
	mode := q["hub.mode"]
	token := q["hub.verify_token"]
	if mode != modeSubscribe || subtle.ConstantTimeCompare([]byte(token), []byte(creds.VerifyToken)) != 1 {
		logger.Warn("webhook handshake rejected", "mode", mode)
		return emptyResponse(http.StatusForbidden)
	}
	logger.Info("webhook handshake accepted")
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       q["hub.challenge"],
	}
}

// deliver authenticates a webhook delivery and routes its message changes.
// Once the signature is valid the response is a success regardless of
// per-message outcomes; only an undecodable envelope yields an error.
func (h *Handler) deliver(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	creds, err := h.creds.Credentials(ctx)
	if err != nil {
		h.metrics.Delivery(metrics.DeliveryError)
		logger.Error("failed to load webhook credentials", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	body, err := rawBody(req)
	if err != nil || !signature.Verify(body, header(req, headerSignature), []byte(creds.AppSecret)) {
		h.metrics.Delivery(metrics.DeliveryForbidden)
		logger.Warn("webhook signature rejected", "code", usecase.ErrorAuthFailure)
		return emptyResponse(http.StatusForbidden)
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		h.metrics.Delivery(metrics.DeliveryMalformed)
		logger.Error("malformed webhook envelope", "code", usecase.ErrorMalformedEnvelope, "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorMalformedEnvelope)})
	}
	if !env.supported() {
		h.metrics.Delivery(metrics.DeliveryIgnored)
		logger.Info("ignoring webhook for unsupported object", "object", env.Object)
		return jsonResponse(http.StatusOK, successResponse{Success: true})
	}

	routed := 0
	for _, e := range env.Entry {
		for _, c := range e.Changes {
			if c.Field != fieldMessages {
				logger.Debug("skipping change", "entry_id", e.ID, "field", c.Field)
				continue
			}
			if len(c.Value) == 0 {
				logger.Warn("messages change without value", "entry_id", e.ID)
				continue
			}
			h.router.Route(ctx, c.Value)
			routed++
		}
	}

	h.metrics.Delivery(metrics.DeliveryAccepted)
	logger.Info("webhook delivery processed", "entries", len(env.Entry), "changes_routed", routed)
	return jsonResponse(http.StatusOK, successResponse{Success: true})
}

// rawBody returns the exact request bytes. API Gateway base64-encodes binary
// bodies; those are decoded, never re-serialized.
func rawBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func header(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	for k, vs := range req.MultiValueHeaders {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func emptyResponse(status int) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: map[string]string{}}
}

func methodNotAllowed() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed"})
}
