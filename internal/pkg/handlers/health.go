package handlers

import (
	"net/http"

	"github.com/jake-scott/roborock-proxy/internal/pkg/channel"
)

type ChannelStatus interface {
	State() channel.State
	Transport() channel.Transport
}

type healthData struct {
	State     string `json:"state"`
	Transport string `json:"transport"`
}

type HealthHandler struct {
	channel ChannelStatus
}

func NewHealthHandler(c ChannelStatus) *HealthHandler {
	return &HealthHandler{channel: c}
}

// ServeHTTP reports 200 while the command channel is up, 503 otherwise
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := h.channel.State()
	data := healthData{
		State:     state.String(),
		Transport: h.channel.Transport().String(),
	}

	if state != channel.Connected {
		sendJSONResponse(w, r, http.StatusServiceUnavailable, successResponse{
			Status:  statusError,
			Message: "command channel " + data.State,
			Data:    data,
		})
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newSuccessResponse("check health", data))
}
