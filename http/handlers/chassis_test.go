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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/chassis"
	"github.com/comcast/chassisd/config"
	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/hal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*http.ServeMux, *chassis.Manager, *sim.Chassis) {
	t.Helper()
	cfg := config.Default()
	cfg.Chassis.Population = 4
	cfg.Chassis.PsuCount = 2
	chassisSim := sim.New(cfg.Chassis.Population, cfg.Fans.Count, cfg.Chassis.PsuCount)
	m := chassis.NewManager(cfg, chassisSim, chassisSim)

	mux := http.NewServeMux()
	Register(mux, &APIConfig{API: m, OperationTimeout: 50 * time.Millisecond})
	return mux, m, chassisSim
}

func do(mux *http.ServeMux, method, target string, body []byte) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(method, target, bytes.NewReader(body)))
	return rr
}

func Test_Blades(t *testing.T) {
	assert := assert.New(t)
	mux, _, _ := newTestServer(t)

	rr := do(mux, http.MethodGet, "/blades", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var recs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	assert.Len(recs, 4)
	assert.Equal("HardPowerOff", recs[0]["state"])

	rr = do(mux, http.MethodGet, "/blades/2", nil)
	assert.Equal(http.StatusOK, rr.Code)
	assert.Contains(rr.Body.String(), `"id":2`)
}

func Test_BladeErrors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		target   string
		expected int
	}{
		{name: "unknown blade", method: http.MethodGet, target: "/blades/25", expected: http.StatusNotFound},
		{name: "non numeric blade", method: http.MethodGet, target: "/blades/abc", expected: http.StatusBadRequest},
		{name: "unknown power action", method: http.MethodPost, target: "/blades/1/power/cycle", expected: http.StatusBadRequest},
		{name: "power on unknown blade", method: http.MethodPost, target: "/blades/0/power/on", expected: http.StatusNotFound},
		{name: "bad enabled flag", method: http.MethodPut, target: "/blades/1/default-operations?enabled=maybe", expected: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodDelete, target: "/blades/1", expected: http.StatusMethodNotAllowed},
		{name: "unknown psu", method: http.MethodGet, target: "/psus/7", expected: http.StatusNotFound},
		{name: "keepalive without session", method: http.MethodPost, target: "/serial/1/keepalive", expected: http.StatusNotFound},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mux, _, _ := newTestServer(t)
			rr := do(mux, test.method, test.target, nil)
			assert.Equal(t, test.expected, rr.Code)
		})
	}
}

func Test_PowerCycle(t *testing.T) {
	assert := assert.New(t)
	mux, _, chassisSim := newTestServer(t)
	chassisSim.UpdateBlade(3, func(b *sim.Blade) { b.Power = blade.PowerOff })

	rr := do(mux, http.MethodPost, "/blades/3/power/on", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(rr.Body.String(), `"state":"Initialization"`)
	assert.Equal(blade.PowerOn, chassisSim.Blade(3).Power)

	rr = do(mux, http.MethodPost, "/blades/3/power/off", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(rr.Body.String(), `"state":"HardPowerOff"`)
	assert.Equal(blade.PowerOff, chassisSim.Blade(3).Power)
}

func Test_HardwareErrorsCarryCompletionCode(t *testing.T) {
	mux, _, chassisSim := newTestServer(t)
	chassisSim.UpdateBlade(1, func(b *sim.Blade) { b.PowerErr = hal.Fail("set power", hal.CannotExecute) })

	rr := do(mux, http.MethodPost, "/blades/1/power/on", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "CannotExecute", resp.CompletionCode)
}

func Test_LockTimeoutIsUnavailable(t *testing.T) {
	mux, m, _ := newTestServer(t)
	sl, err := m.Blades().Acquire(context.Background(), 2)
	require.NoError(t, err)
	defer sl.Release()

	rr := do(mux, http.MethodPost, "/blades/2/power/off", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	// reads do not wait on the lock
	rr = do(mux, http.MethodGet, "/blades/2", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func Test_DefaultOperations(t *testing.T) {
	mux, _, chassisSim := newTestServer(t)

	rr := do(mux, http.MethodPut, "/blades/4/default-operations?enabled=true", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, chassisSim.Blade(4).DefaultOps)
}

func Test_FansAndPsus(t *testing.T) {
	assert := assert.New(t)
	mux, _, _ := newTestServer(t)

	rr := do(mux, http.MethodGet, "/fans", nil)
	assert.Equal(http.StatusOK, rr.Code)
	assert.Contains(rr.Body.String(), `"fanFailure":false`)

	rr = do(mux, http.MethodGet, "/psus/1", nil)
	assert.Equal(http.StatusOK, rr.Code)
	assert.Contains(rr.Body.String(), `"firmwareVersion":"1.0.0"`)

	rr = do(mux, http.MethodPost, "/psus/1/firmware", []byte("image"))
	assert.Equal(http.StatusNoContent, rr.Code)

	rr = do(mux, http.MethodGet, "/psus/1", nil)
	assert.Contains(rr.Body.String(), `"firmwareVersion":"sim-5"`)

	rr = do(mux, http.MethodPost, "/psus/1/firmware", nil)
	assert.Equal(http.StatusBadRequest, rr.Code)
}

func Test_PsuBusyDuringUpdate(t *testing.T) {
	mux, m, chassisSim := newTestServer(t)
	chassisSim.SetFirmwareDelay(300 * time.Millisecond)

	done := make(chan error)
	go func() { done <- m.UpdatePsuFirmware(context.Background(), 2, []byte("fw")) }()
	require.Eventually(t, func() bool {
		rec, _ := m.Psus().Get(2)
		return rec.UpdateInProgress
	}, time.Second, time.Millisecond)

	rr := do(mux, http.MethodGet, "/psus/2", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, <-done)
}

func Test_SerialSession(t *testing.T) {
	assert := assert.New(t)
	mux, _, chassisSim := newTestServer(t)

	rr := do(mux, http.MethodPost, "/serial/0/start", nil)
	assert.Equal(http.StatusCreated, rr.Code)
	assert.Equal(1, chassisSim.OpenConsoles(0))

	rr = do(mux, http.MethodPost, "/serial/0/start", nil)
	assert.Equal(http.StatusConflict, rr.Code)

	rr = do(mux, http.MethodPost, "/serial/0/keepalive", nil)
	assert.Equal(http.StatusOK, rr.Code)

	rr = do(mux, http.MethodPost, "/serial/0/stop", nil)
	assert.Equal(http.StatusNoContent, rr.Code)
	assert.Equal(0, chassisSim.OpenConsoles(0))

	rr = do(mux, http.MethodPost, "/serial/0/reset", nil)
	assert.Equal(http.StatusBadRequest, rr.Code)
}
