// internal/api/channels.go
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type channelTestResult struct {
	ChannelType string `json:"channelType"`
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"`
}

func (s *Server) channelStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deliveries.ChannelStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) testChannel(w http.ResponseWriter, r *http.Request) {
	channelType := chi.URLParam(r, "type")
	ok, msg, err := s.deliveries.TestChannel(r.Context(), channelType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, channelTestResult{ChannelType: channelType, OK: ok, Message: msg})
}
