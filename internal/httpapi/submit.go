package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"pkt.systems/postbox/internal/ingest"
	"pkt.systems/postbox/internal/logging"
	"pkt.systems/postbox/internal/record"
)

// handleSubmit decodes a form body on any path and forwards it to the
// ingest channel. Success redirects back to the landing page.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	logger := logging.FromContext(ctx, h.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.formMax))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.recordSubmission(ctx, "too_large")
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "form_too_large", Detail: "form exceeds " + strconv.FormatInt(h.formMax, 10) + " bytes"}
		}
		return err
	}
	rec, err := record.ParseForm(body)
	if err != nil {
		h.metrics.recordSubmission(ctx, "malformed")
		return httpError{Status: http.StatusBadRequest, Code: "malformed_form", Detail: err.Error()}
	}
	if err := h.sender.Send(ctx, rec); err != nil {
		switch {
		case errors.Is(err, ingest.ErrMessageTooLarge):
			h.metrics.recordSubmission(ctx, "too_large")
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "message_too_large", Detail: "message exceeds the ingest datagram limit"}
		case errors.Is(err, ingest.ErrQueueFull):
			h.metrics.recordSubmission(ctx, "queue_full")
			w.Header().Set("Retry-After", "1")
			return httpError{Status: http.StatusServiceUnavailable, Code: "ingest_busy", Detail: "ingest queue full"}
		}
		h.metrics.recordSubmission(ctx, "send_error")
		return err
	}
	h.metrics.recordSubmission(ctx, "forwarded")
	logger.Debug("http.submit.forwarded", "fields", len(rec))

	w.Header().Set("Location", "/")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusFound)
	_, err = io.WriteString(w, "OK")
	return err
}
