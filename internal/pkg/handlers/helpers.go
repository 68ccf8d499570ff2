package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-openapi/runtime/middleware/header"
	"github.com/go-openapi/strfmt"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
)

// For request validation routines
var formats strfmt.Registry

func init() {
	// Default validators
	formats = strfmt.NewFormats()
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

type successResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

type segmentsResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Segments []int  `json:"segments"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func newSuccessResponse(action string, data interface{}) successResponse {
	return successResponse{
		Status:  statusSuccess,
		Message: action + " successfully",
		Data:    data,
	}
}

func newErrorResponse(message string) errorResponse {
	return errorResponse{
		Status:  statusError,
		Message: message,
	}
}

func sendJSONResponse(w http.ResponseWriter, r *http.Request, status int, d interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Header.Get("Content-Type") != "" {
		value, _ := header.ParseValueAndParams(r.Header, "Content-Type")
		if value != "application/json" {
			return fmt.Errorf("expected JSON request, got %s", value)
		}
	}

	// 100kb max body
	reader := http.MaxBytesReader(w, r.Body, 100*1024)
	dec := json.NewDecoder(reader)

	if err := dec.Decode(&dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}

	return nil
}
