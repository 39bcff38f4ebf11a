/*
 * Copyright 2025 Comcast Cable Communications Management, LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/fan"
	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/middleware/logging"
	"github.com/comcast/chassisd/psu"
	"github.com/comcast/chassisd/serial"
	"go.uber.org/zap"
)

// ChassisAPI is the set of chassis operations served over HTTP.
type ChassisAPI interface {
	PowerOn(ctx context.Context, id int) (blade.Record, error)
	PowerOff(ctx context.Context, id int) (blade.Record, error)
	GetState(id int) (blade.Record, error)
	GetAllStates() []blade.Record
	EnableDefaultOperations(ctx context.Context, id int, enabled bool) error
	FanState() fan.State
	PsuTelemetry(ctx context.Context, id int) (psu.Record, error)
	UpdatePsuFirmware(ctx context.Context, id int, image []byte) error
	StartSerial(ctx context.Context, target int) (serial.Info, error)
	StopSerial(target int) error
	KeepAliveSerial(target int) (serial.Info, error)
}

// APIConfig holds configuration for the chassis handlers
type APIConfig struct {
	API ChassisAPI
	// OperationTimeout bounds how long a request waits for a blade lock
	// and the hardware behind it.
	OperationTimeout time.Duration
	MaxFirmwareBytes int64
}

type errorResponse struct {
	Error          string `json:"error"`
	CompletionCode string `json:"completionCode,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an operation error onto an HTTP status.
func statusFor(err error) int {
	var ce *hal.CompletionError
	switch {
	case errors.Is(err, blade.ErrInvalidBlade), errors.Is(err, psu.ErrInvalidPsu), errors.Is(err, serial.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, serial.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, psu.ErrBusy), errors.Is(err, hal.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, hal.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.As(err, &ce):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: fmt.Sprintf("%s - %s", msg, err.Error())}
	var ce *hal.CompletionError
	if errors.As(err, &ce) {
		resp.CompletionCode = ce.Code.String()
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	zap.L().Error(msg, zap.Error(err), zap.Int("status", status), zap.String("trace_id", logging.TraceID(ctx)))
	writeJSON(w, status, resp)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.PathValue(name)
	id, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("'%s' path parameter %q is not a number", name, raw), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (cfg *APIConfig) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	if cfg.OperationTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), cfg.OperationTimeout)
}

// BladesHandler handles GET /blades requests
func BladesHandler(cfg *APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.API.GetAllStates())
	}
}

// BladeHandler handles GET /blades/{id} requests
func BladeHandler(cfg *APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		rec, err := cfg.API.GetState(id)
		if err != nil {
			writeError(r.Context(), w, "unable to get blade state", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// PowerHandler handles POST /blades/{id}/power/{action} requests
func PowerHandler(cfg *APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		var op func(context.Context, int) (blade.Record, error)
		switch action := r.PathValue("action"); action {
		case "on":
			op = cfg.API.PowerOn
		case "off":
			op = cfg.API.PowerOff
		default:
			http.Error(w, fmt.Sprintf("unknown power action %q, expected on or off", action), http.StatusBadRequest)
			return
		}

		ctx, cancel := cfg.withTimeout(r)
		defer cancel()

		zap.L().Info("blade power request", zap.Int("blade_id", id), zap.String("action", r.PathValue("action")),
			zap.String("trace_id", logging.TraceID(ctx)))

		rec, err := op(ctx, id)
		if err != nil {
			writeError(ctx, w, "unable to change blade power", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// DefaultOperationsHandler handles PUT /blades/{id}/default-operations?enabled= requests
func DefaultOperationsHandler(cfg *APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(w, "'enabled' parameter must be true or false", http.StatusBadRequest)
			return
		}

		ctx, cancel := cfg.withTimeout(r)
		defer cancel()

		if err := cfg.API.EnableDefaultOperations(ctx, id, enabled); err != nil {
			writeError(ctx, w, "unable to set default operations", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// FansHandler handles GET /fans requests
func FansHandler(cfg *APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.API.FanState())
	}
}

// PsuHandler handles GET /psus/{id} requests
func PsuHandler(cfg *APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		ctx, cancel := cfg.withTimeout(r)
		defer cancel()

		rec, err := cfg.API.PsuTelemetry(ctx, id)
		if err != nil {
			writeError(ctx, w, "unable to read psu telemetry", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// PsuFirmwareHandler handles POST /psus/{id}/firmware requests. The request
// body is the raw firmware image.
func PsuFirmwareHandler(cfg *APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		limit := cfg.MaxFirmwareBytes
		if limit <= 0 {
			limit = 16 << 20
		}
		image, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			http.Error(w, "unable to read firmware image - "+err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if len(image) == 0 {
			http.Error(w, "firmware image is empty", http.StatusBadRequest)
			return
		}

		// flashing outlives the normal operation timeout
		if err := cfg.API.UpdatePsuFirmware(r.Context(), id, image); err != nil {
			writeError(r.Context(), w, "unable to update psu firmware", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SerialHandler handles POST /serial/{target}/{action} requests
func SerialHandler(cfg *APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, ok := pathID(w, r, "target")
		if !ok {
			return
		}

		ctx, cancel := cfg.withTimeout(r)
		defer cancel()

		switch action := r.PathValue("action"); action {
		case "start":
			info, err := cfg.API.StartSerial(ctx, target)
			if err != nil {
				writeError(ctx, w, "unable to start serial session", err)
				return
			}
			writeJSON(w, http.StatusCreated, info)
		case "keepalive":
			info, err := cfg.API.KeepAliveSerial(target)
			if err != nil {
				writeError(ctx, w, "unable to refresh serial session", err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		case "stop":
			if err := cfg.API.StopSerial(target); err != nil {
				writeError(ctx, w, "unable to stop serial session", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, fmt.Sprintf("unknown serial action %q, expected start, keepalive or stop", action), http.StatusBadRequest)
		}
	}
}

// Register mounts the chassis API on mux.
func Register(mux *http.ServeMux, cfg *APIConfig) {
	mux.HandleFunc("GET /blades", BladesHandler(cfg))
	mux.HandleFunc("GET /blades/{id}", BladeHandler(cfg))
	mux.HandleFunc("POST /blades/{id}/power/{action}", PowerHandler(cfg))
	mux.HandleFunc("PUT /blades/{id}/default-operations", DefaultOperationsHandler(cfg))
	mux.HandleFunc("GET /fans", FansHandler(cfg))
	mux.HandleFunc("GET /psus/{id}", PsuHandler(cfg))
	mux.HandleFunc("POST /psus/{id}/firmware", PsuFirmwareHandler(cfg))
	mux.HandleFunc("POST /serial/{target}/{action}", SerialHandler(cfg))
}
