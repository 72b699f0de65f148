// Package routes wires the gateway's inbound HTTP API: the Matrix push
// endpoint plus a health check.
package routes

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matrix-org/sygnal/internal/models"
	"github.com/matrix-org/sygnal/internal/services"
	"github.com/matrix-org/sygnal/pkg/metrics"
)

// NewRouter builds the API router around a dispatcher.
func NewRouter(dispatcher *services.Dispatcher, logr *slog.Logger, m *metrics.Metrics, maxBodySize int64) http.Handler {
	h := &handler{
		dispatcher:  dispatcher,
		logger:      logr,
		metrics:     m,
		maxBodySize: maxBodySize,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/_matrix/push/v1/notify", h.notify)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return r
}

type handler struct {
	dispatcher  *services.Dispatcher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxBodySize int64
}

// notifyResponse is the success body of the push endpoint.
type notifyResponse struct {
	Rejected []string `json:"rejected"`
}

func (h *handler) notify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	notification, err := models.ParseNotificationRequest(body)
	if err != nil {
		h.logger.Warn("invalid notification", slog.Any("error", err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.metrics.NotificationsReceived.Inc()
	result := h.dispatcher.Dispatch(r.Context(), notification)

	// A transient failure is only surfaced when nothing was delivered;
	// otherwise the homeserver would resend to devices that already got
	// the push.
	if result.Retryable && !result.Delivered {
		if result.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
		}
		writeError(w, http.StatusBadGateway, "temporary failure dispatching notification")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notifyResponse{Rejected: result.Rejected})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
