package gateway

import (
	"net/http"
	"strconv"

	"github.com/owliabot/owlia/pkg/models"
)

type pollResponse struct {
	Cursor  int64           `json:"cursor"`
	Events  []*models.Event `json:"events"`
	Dropped int             `json:"dropped"`
}

// handleEventsPoll serves GET /events/poll. An ack is applied before the
// fetch so a since+ack round trip in one request behaves like two.
func (s *Server) handleEventsPoll(w http.ResponseWriter, r *http.Request) {
	device := deviceFrom(r.Context())

	since := int64(-1)
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}

	if raw := r.URL.Query().Get("ack"); raw != "" {
		upTo, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || upTo < 0 {
			writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "ack must be a non-negative integer")
			return
		}
		if err := s.store.AckEvents(r.Context(), device.DeviceID, upTo); err != nil {
			s.logger.Error("ack failed", "device", device.DeviceID, "err", err)
			writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "could not ack events")
			return
		}
	}

	limit := s.cfg.PollLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		if v < limit {
			limit = v
		}
	}

	events, cursor, err := s.store.PollEvents(r.Context(), device.DeviceID, since, limit)
	if err != nil {
		s.logger.Error("poll failed", "device", device.DeviceID, "err", err)
		writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "could not poll events")
		return
	}
	dropped, err := s.store.CountDropped(r.Context(), device.DeviceID, since)
	if err != nil {
		s.logger.Warn("dropped count failed", "device", device.DeviceID, "err", err)
		dropped = 0
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeOK(w, http.StatusOK, pollResponse{Cursor: cursor, Events: events, Dropped: dropped})
}
