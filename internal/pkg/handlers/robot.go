package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-openapi/swag"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jake-scott/roborock-proxy/internal/pkg/catalog"
	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/jake-scott/roborock-proxy/internal/pkg/vacuum"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
)

// Robot is the set of actions exposed over HTTP
type Robot interface {
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	GoTo(ctx context.Context, x, y int) error
	GoToChargingStation(ctx context.Context) error
	GoToCleaningSpot(ctx context.Context) error
	SetCleaningSettings(ctx context.Context, mode string, fanPower, waterBoxMode, mopMode int64) error
	StartCleaning(ctx context.Context, segments []int, repeat int) error
	GetProperties(ctx context.Context) (*roborock.DeviceProp, error)
	GetRooms(ctx context.Context) ([]vacuum.RoomSummary, error)
}

const (
	actionCleaningStarted  = "Cleaning started"
	actionCleaningSettings = "Cleaning settings set"
)

type RobotHandler struct {
	robot   Robot
	timeout time.Duration
}

func NewRobotHandler(robot Robot) *RobotHandler {
	return &RobotHandler{
		robot: robot,
	}
}

// WithTimeout bounds each robot call
func (h *RobotHandler) WithTimeout(d time.Duration) *RobotHandler {
	nh := *h
	nh.timeout = d
	return &nh
}

func (h *RobotHandler) makeContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(r.Context(), h.timeout)
	}
	return context.WithCancel(r.Context())
}

// Register adds the robot routes to r
func (h *RobotHandler) Register(r *mux.Router) {
	r.HandleFunc("/prop", h.Prop).Methods(http.MethodGet)
	r.HandleFunc("/rooms", h.Rooms).Methods(http.MethodGet)
	r.HandleFunc("/modes", h.Modes).Methods(http.MethodGet)
	r.HandleFunc("/stop", h.Stop).Methods(http.MethodPost)
	r.HandleFunc("/pause", h.Pause).Methods(http.MethodPost)

	clean := r.PathPrefix("/clean").Subrouter()
	clean.HandleFunc("/settings", h.CleaningSettings).Methods(http.MethodPost)
	clean.HandleFunc("/segments", h.StartCleaning).Methods(http.MethodPost)

	gotoRouter := r.PathPrefix("/goto").Subrouter()
	gotoRouter.HandleFunc("/cleaning", h.GoToCleaningSpot).Methods(http.MethodPost)
	gotoRouter.HandleFunc("/charging", h.GoToChargingStation).Methods(http.MethodPost)
	gotoRouter.HandleFunc("/{x:-?[0-9]+}/{y:-?[0-9]+}", h.GoTo).Methods(http.MethodPost)
}

// sendActionError logs and reports a failed action, 400 for bad input
func (h *RobotHandler) sendActionError(w http.ResponseWriter, r *http.Request, action string, err error) {
	var verr catalog.ValidationError
	if errors.As(err, &verr) {
		logging.Logger(r.Context()).WithError(err).Warnf("rejected '%s'", action)
		sendJSONResponse(w, r, http.StatusBadRequest, newErrorResponse(verr.Error()))
		return
	}

	logging.Logger(r.Context()).WithError(err).Errorf("Error during '%s'", action)
	sendJSONResponse(w, r, http.StatusInternalServerError, newErrorResponse("Failed to "+strings.ToLower(action)))
}

func (h *RobotHandler) sendBadRequest(w http.ResponseWriter, r *http.Request, what string, err error) {
	logging.Logger(r.Context()).WithError(err).Errorf("%s", what)
	sendJSONResponse(w, r, http.StatusBadRequest, newErrorResponse(what+": "+err.Error()))
}

func (h *RobotHandler) Prop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.makeContext(r)
	defer cancel()

	prop, err := h.robot.GetProperties(ctx)
	if err != nil {
		h.sendActionError(w, r, vacuum.ActionProperties, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newSuccessResponse(vacuum.ActionProperties, prop))
}

func (h *RobotHandler) Rooms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.makeContext(r)
	defer cancel()

	rooms, err := h.robot.GetRooms(ctx)
	if err != nil {
		h.sendActionError(w, r, vacuum.ActionRooms, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newSuccessResponse(vacuum.ActionRooms, rooms))
}

// Modes returns the catalog as is
func (h *RobotHandler) Modes(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, r, http.StatusOK, catalog.Modes())
}

func (h *RobotHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, vacuum.ActionStop, h.robot.Stop)
}

func (h *RobotHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, vacuum.ActionPause, h.robot.Pause)
}

func (h *RobotHandler) GoToChargingStation(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, vacuum.ActionCharge, h.robot.GoToChargingStation)
}

func (h *RobotHandler) GoToCleaningSpot(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, vacuum.ActionGoTo, h.robot.GoToCleaningSpot)
}

func (h *RobotHandler) simpleAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context) error) {
	ctx, cancel := h.makeContext(r)
	defer cancel()

	if err := fn(ctx); err != nil {
		h.sendActionError(w, r, action, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newSuccessResponse(action, nil))
}

func (h *RobotHandler) GoTo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	x, err := strconv.Atoi(vars["x"])
	if err != nil {
		h.sendBadRequest(w, r, "invalid x coordinate", err)
		return
	}
	y, err := strconv.Atoi(vars["y"])
	if err != nil {
		h.sendBadRequest(w, r, "invalid y coordinate", err)
		return
	}

	ctx, cancel := h.makeContext(r)
	defer cancel()

	if err := h.robot.GoTo(ctx, x, y); err != nil {
		h.sendActionError(w, r, vacuum.ActionGoTo, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newSuccessResponse(vacuum.ActionGoTo, vacuum.Point{X: x, Y: y}))
}

func (h *RobotHandler) CleaningSettings(w http.ResponseWriter, r *http.Request) {
	var req CleaningSettings

	if err := decodeJSONBody(w, r, &req); err != nil {
		h.sendBadRequest(w, r, "unable to parse JSON", err)
		return
	}

	if err := req.Validate(formats); err != nil {
		h.sendBadRequest(w, r, "input validation failed", err)
		return
	}

	ctx, cancel := h.makeContext(r)
	defer cancel()

	err := h.robot.SetCleaningSettings(ctx, swag.StringValue(req.Mode),
		swag.Int64Value(req.FanPower), swag.Int64Value(req.WaterBoxMode), swag.Int64Value(req.MopMode))
	if err != nil {
		h.sendActionError(w, r, actionCleaningSettings, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newSuccessResponse(actionCleaningSettings, req))
}

func (h *RobotHandler) StartCleaning(w http.ResponseWriter, r *http.Request) {
	var req SegmentRequest

	if err := decodeJSONBody(w, r, &req); err != nil {
		h.sendBadRequest(w, r, "unable to parse JSON", err)
		return
	}

	if err := req.WithDefaults().Validate(formats); err != nil {
		h.sendBadRequest(w, r, "input validation failed", err)
		return
	}

	ctx, cancel := h.makeContext(r)
	defer cancel()

	segments := req.Segments()
	if err := h.robot.StartCleaning(ctx, segments, int(swag.Int64Value(req.Repeat))); err != nil {
		h.sendActionError(w, r, actionCleaningStarted, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, segmentsResponse{
		Status:   statusSuccess,
		Message:  actionCleaningStarted + " successfully",
		Segments: segments,
	})
}
