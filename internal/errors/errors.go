// Package apperrors renders errors as JSON responses for the HTTP gateway.
//
// Every error body has the same shape:
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/ffenv/pkg/failure"
)

// Error codes used by the gateway.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
)

// ErrorBody is the "error" member of an HTTPErrorResponse.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewEnvelope builds an envelope tagged with a request id and details.
// Details that the envelope rejects are dropped; the code and message always survive.
func NewEnvelope(code, message, requestID string, details map[string]any) *gferrors.ErrorEnvelope {
	envelope := gferrors.NewErrorEnvelope(code, message)
	if requestID != "" {
		envelope = envelope.WithCorrelationID(requestID)
	}
	if len(details) > 0 {
		if withCtx, err := envelope.WithContext(details); err == nil {
			envelope = withCtx
		}
	}
	return envelope
}

// Response converts an envelope into its JSON body.
func Response(envelope *gferrors.ErrorEnvelope) HTTPErrorResponse {
	return HTTPErrorResponse{Error: ErrorBody{
		Code:      envelope.Code,
		Message:   envelope.Message,
		Details:   envelope.Context,
		RequestID: envelope.CorrelationID,
	}}
}

// Write sends envelope as a JSON error response with the given status.
func Write(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response(envelope))
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request id to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id attached to ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Respond writes code and message for r, tagging the request id.
func Respond(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	Write(w, NewEnvelope(code, message, RequestIDFromContext(r.Context()), details), status)
}

// RespondWithError classifies err and writes it.
//
// Worker failures keep their kind as the code; bad input kinds map to 400 and
// everything else to 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	var details map[string]any
	var fe *failure.Error
	if errors.As(err, &fe) {
		details = map[string]any{"op": fe.Op}
		if fe.Path != "" {
			details["path"] = fe.Path
		}
	}
	Respond(w, r, status, code, err.Error(), details)
}

// Classify maps err to an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	}
	switch kind := failure.KindOf(err); kind {
	case "":
		return http.StatusInternalServerError, CodeInternal
	case failure.KindUnsupportedPath, failure.KindUnknownOperation, failure.KindDecode:
		return http.StatusBadRequest, kind.String()
	default:
		return http.StatusInternalServerError, kind.String()
	}
}
