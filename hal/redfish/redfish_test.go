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

package redfish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/config"
	"github.com/comcast/chassisd/hal"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGUID = "4c4c4544-0042-3510-8052-b4c04f333732"

type fakeBMC struct {
	mu          sync.Mutex
	powerState  string
	uuid        string
	chassisType string
	firmware    string
	thermal     string
	systemCode  int
	systemHits  int
	resets      []string
	patches     []ManagerPatch
}

func (f *fakeBMC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == systemPath && r.Method == http.MethodGet:
		f.systemHits++
		if f.systemCode != 0 {
			w.WriteHeader(f.systemCode)
			return
		}
		json.NewEncoder(w).Encode(System{ID: "1", UUID: f.uuid, PowerState: f.powerState})
	case r.URL.Path == resetPath && r.Method == http.MethodPost:
		var req ResetRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.resets = append(f.resets, req.ResetType)
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == chassisPath:
		json.NewEncoder(w).Encode(Chassis{ID: "1", ChassisType: f.chassisType})
	case r.URL.Path == thermalPath:
		w.Write([]byte(f.thermal))
	case r.URL.Path == managerPath && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(Manager{FirmwareVersion: f.firmware})
	case r.URL.Path == managerPath && r.Method == http.MethodPatch:
		var p ManagerPatch
		json.NewDecoder(r.Body).Decode(&p)
		f.patches = append(f.patches, p)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeBMC) snapshot() (hits int, resets []string, patches []ManagerPatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.systemHits, append([]string(nil), f.resets...), append([]ManagerPatch(nil), f.patches...)
}

func newTestClient(t *testing.T, bmc *fakeBMC) *Client {
	t.Helper()

	srv := httptest.NewServer(bmc)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.BMCScheme = "http"
	cfg.BMCTimeout = 2 * time.Second
	cfg.Redfish.BMCs = map[int]string{1: u.Host}

	c, err := NewClient(cfg)
	require.NoError(t, err)
	c.retry.RetryWaitMin = time.Millisecond
	c.retry.RetryWaitMax = time.Millisecond
	return c
}

func newBMC() *fakeBMC {
	return &fakeBMC{
		powerState:  "On",
		uuid:        testGUID,
		chassisType: "Blade",
		firmware:    "2.72",
		thermal: `{"Id":"Thermal","Temperatures":[
			{"MemberId":"0","Name":"Inlet","SensorNumber":1,"ReadingCelsius":35.5,"Status":{"State":"Enabled"}},
			{"MemberId":"1","Name":"CPU","SensorNumber":2,"ReadingCelsius":"61","Status":{"State":"Enabled"}},
			{"MemberId":"2","Name":"Exhaust","SensorNumber":3,"ReadingCelsius":null,"Status":{"State":"Absent"}}]}`,
	}
}

func Test_ReadPowerEnableState(t *testing.T) {
	tests := []struct {
		name      string
		state     string
		want      blade.PowerState
		decompres bool
		expectErr bool
	}{
		{"on", "On", blade.PowerOn, false, false},
		{"powering on", "PoweringOn", blade.PowerOn, true, false},
		{"off", "Off", blade.PowerOff, false, false},
		{"powering off", "PoweringOff", blade.PowerOff, false, false},
		{"garbage", "Maybe", blade.PowerUnknown, false, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bmc := newBMC()
			bmc.powerState = test.state
			c := newTestClient(t, bmc)

			pe, err := c.ReadPowerEnableState(context.Background(), 1)
			if test.expectErr {
				assert.Equal(t, hal.InvalidDataField, hal.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, pe.State)
			assert.Equal(t, test.decompres, pe.DecompressionRemaining > 0)
		})
	}
}

func Test_SetPowerEnable(t *testing.T) {
	bmc := newBMC()
	c := newTestClient(t, bmc)

	require.NoError(t, c.SetPowerEnable(context.Background(), 1, true))
	require.NoError(t, c.SetPowerEnable(context.Background(), 1, false))
	_, resets, _ := bmc.snapshot()
	assert.Equal(t, []string{"On", "ForceOff"}, resets)
}

func Test_UnknownBlade(t *testing.T) {
	c := newTestClient(t, newBMC())

	_, err := c.ReadSensor(context.Background(), 7, 1)
	assert.Equal(t, hal.InvalidDataField, hal.CodeOf(err))
}

func Test_ReadSystemIdentity(t *testing.T) {
	bmc := newBMC()
	c := newTestClient(t, bmc)

	guid, err := c.ReadSystemIdentity(context.Background(), 1, true)
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse(testGUID), guid)

	bmc.mu.Lock()
	bmc.uuid = "not-a-uuid"
	bmc.mu.Unlock()
	_, err = c.ReadSystemIdentity(context.Background(), 1, true)
	assert.Equal(t, hal.InvalidDataField, hal.CodeOf(err))
}

func Test_ReadSystemIdentityRetry(t *testing.T) {
	tests := []struct {
		name       string
		allowRetry bool
		wantHits   int
	}{
		{"single attempt", false, 1},
		{"with retries", true, 3},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bmc := newBMC()
			bmc.systemCode = http.StatusServiceUnavailable
			c := newTestClient(t, bmc)

			_, err := c.ReadSystemIdentity(context.Background(), 1, test.allowRetry)
			assert.ErrorIs(t, err, hal.ErrBusy)
			hits, _, _ := bmc.snapshot()
			assert.Equal(t, test.wantHits, hits)
		})
	}
}

func Test_ReadSensor(t *testing.T) {
	c := newTestClient(t, newBMC())
	ctx := context.Background()

	v, err := c.ReadSensor(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 35.5, v)

	v, err = c.ReadSensor(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 61.0, v)

	_, err = c.ReadSensor(ctx, 1, 3)
	assert.Equal(t, hal.ResponseNotProvided, hal.CodeOf(err))

	_, err = c.ReadSensor(ctx, 1, 9)
	assert.Equal(t, hal.InvalidDataField, hal.CodeOf(err))
}

func Test_Initialize(t *testing.T) {
	tests := []struct {
		chassisType string
		want        blade.Type
	}{
		{"Blade", blade.Compute},
		{"Sled", blade.Compute},
		{"StorageEnclosure", blade.Jbod},
		{"Component", blade.Unknown},
	}

	for _, test := range tests {
		t.Run(test.chassisType, func(t *testing.T) {
			bmc := newBMC()
			bmc.chassisType = test.chassisType
			c := newTestClient(t, bmc)

			typ, err := c.Initialize(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, test.want, typ)
		})
	}
}

func Test_SetDefaultOperations(t *testing.T) {
	tests := []struct {
		name      string
		firmware  string
		expectErr error
		patches   int
	}{
		{"supported", "2.72", nil, 1},
		{"supported with vendor prefix", "iLO 5 v2.10 (Jan 01 2025)", nil, 1},
		{"too old", "1.40", hal.ErrUnsupported, 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bmc := newBMC()
			bmc.firmware = test.firmware
			c := newTestClient(t, bmc)

			err := c.SetDefaultOperations(context.Background(), 1, true)
			_, _, patches := bmc.snapshot()
			if test.expectErr != nil {
				assert.ErrorIs(t, err, test.expectErr)
			} else {
				require.NoError(t, err)
				assert.True(t, patches[0].Oem.DefaultOperations.Enabled)
			}
			assert.Len(t, patches, test.patches)
		})
	}
}

func Test_StatusCode(t *testing.T) {
	tests := []struct {
		status int
		want   hal.CompletionCode
	}{
		{http.StatusBadRequest, hal.InvalidDataField},
		{http.StatusNotFound, hal.InvalidCommand},
		{http.StatusServiceUnavailable, hal.NodeBusy},
		{http.StatusForbidden, hal.CannotExecute},
		{http.StatusGatewayTimeout, hal.Timeout},
		{http.StatusInternalServerError, hal.Unspecified},
	}

	for _, test := range tests {
		t.Run(http.StatusText(test.status), func(t *testing.T) {
			assert.Equal(t, test.want, statusCode(test.status))
		})
	}
}
