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

// Package redfish reaches blade baseboard controllers over Redfish.
package redfish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/common"
	"github.com/comcast/chassisd/config"
	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/logger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

const (
	systemPath  = "/redfish/v1/Systems/1"
	resetPath   = "/redfish/v1/Systems/1/Actions/ComputerSystem.Reset"
	chassisPath = "/redfish/v1/Chassis/1"
	thermalPath = "/redfish/v1/Chassis/1/Thermal"
	managerPath = "/redfish/v1/Managers/1"
)

// Client implements hal.BladeAccess against one Redfish service per blade.
type Client struct {
	scheme        string
	bmcs          map[int]string
	retry         *retryablehttp.Client
	single        *retryablehttp.Client
	constraint    version.Constraints
	decompression time.Duration

	mu       sync.Mutex
	firmware map[int]*version.Version
}

// NewClient builds a client for the BMCs listed in cfg.Redfish.
func NewClient(cfg *config.Config) (*Client, error) {
	constraint, err := version.NewConstraint(cfg.Redfish.DefaultOpsConstraint)
	if err != nil {
		return nil, fmt.Errorf("parsing default operations firmware constraint %q - %w", cfg.Redfish.DefaultOpsConstraint, err)
	}

	tr := &http.Transport{
		Dial:                  (&net.Dialer{Timeout: 3 * time.Second}).Dial,
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SSLVerify,
			Renegotiation:      tls.RenegotiateOnceAsClient,
		},
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		scheme:        cfg.BMCScheme,
		bmcs:          cfg.Redfish.BMCs,
		retry:         newHTTPClient(tr, cfg.BMCTimeout, cfg.Redfish.RetryMax),
		single:        newHTTPClient(tr, cfg.BMCTimeout, 0),
		constraint:    constraint,
		decompression: cfg.Chassis.DecompressionTime,
		firmware:      make(map[int]*version.Version),
	}, nil
}

func newHTTPClient(tr *http.Transport, timeout time.Duration, retryMax int) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.CheckRetry = retryablehttp.ErrorPropagatedRetryPolicy
	retryClient.ErrorHandler = common.LastResponseErrorHandler
	retryClient.HTTPClient.Transport = tr
	retryClient.HTTPClient.Timeout = timeout
	retryClient.Logger = logger.HCLog("redfish")
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.RetryMax = retryMax

	return retryClient
}

func (c *Client) host(op string, bladeID int) (string, error) {
	h, ok := c.bmcs[bladeID]
	if !ok {
		return "", fmt.Errorf("no BMC configured for blade %d - %w", bladeID, hal.Fail(op, hal.InvalidDataField))
	}
	return h, nil
}

func (c *Client) do(ctx context.Context, client *retryablehttp.Client, op string, bladeID int, method, path string, in, out interface{}) error {
	host, err := c.host(op, bladeID)
	if err != nil {
		return err
	}

	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%w - %w", hal.Fail(op, hal.InvalidDataField), err)
		}
	}

	uri := fmt.Sprintf("%s://%s%s", c.scheme, host, path)
	resp, err := common.Do(ctx, client, method, uri, host, body)
	if err != nil {
		return completion(op, err)
	}

	if out != nil {
		if err := json.Unmarshal(resp, out); err != nil {
			return fmt.Errorf("%w - decoding %s - %w", hal.Fail(op, hal.InvalidDataField), path, err)
		}
	}
	return nil
}

// completion tags err with the completion code a management bus would
// have returned for the same failure.
func completion(op string, err error) error {
	code := hal.CommunicationFailure

	var he *common.HTTPError
	var ne net.Error
	switch {
	case errors.As(err, &he):
		code = statusCode(he.StatusCode)
	case errors.Is(err, common.ErrInvalidCredential), errors.Is(err, common.ErrVaultNotConfigured):
		code = hal.CannotExecute
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		code = hal.Timeout
	}

	return fmt.Errorf("%w - %w", hal.Fail(op, code), err)
}

func statusCode(status int) hal.CompletionCode {
	switch status {
	case http.StatusBadRequest:
		return hal.InvalidDataField
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return hal.InvalidCommand
	case http.StatusConflict, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return hal.NodeBusy
	case http.StatusUnauthorized, http.StatusForbidden:
		return hal.CannotExecute
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return hal.Timeout
	default:
		return hal.Unspecified
	}
}

func (c *Client) ReadPowerEnableState(ctx context.Context, bladeID int) (hal.PowerEnable, error) {
	var sys System
	if err := c.do(ctx, c.retry, "ReadPowerEnableState", bladeID, http.MethodGet, systemPath, nil, &sys); err != nil {
		return hal.PowerEnable{}, err
	}

	switch sys.PowerState {
	case "On":
		return hal.PowerEnable{State: blade.PowerOn}, nil
	case "PoweringOn":
		return hal.PowerEnable{State: blade.PowerOn, DecompressionRemaining: c.decompression}, nil
	case "Off", "PoweringOff":
		return hal.PowerEnable{State: blade.PowerOff}, nil
	default:
		return hal.PowerEnable{}, fmt.Errorf("blade %d reported power state %q - %w", bladeID, sys.PowerState,
			hal.Fail("ReadPowerEnableState", hal.InvalidDataField))
	}
}

func (c *Client) SetPowerEnable(ctx context.Context, bladeID int, on bool) error {
	req := ResetRequest{ResetType: "ForceOff"}
	if on {
		req.ResetType = "On"
	}
	return c.do(ctx, c.retry, "SetPowerEnable", bladeID, http.MethodPost, resetPath, req, nil)
}

func (c *Client) ReadSystemIdentity(ctx context.Context, bladeID int, allowRetry bool) (uuid.UUID, error) {
	client := c.single
	if allowRetry {
		client = c.retry
	}

	var sys System
	if err := c.do(ctx, client, "ReadSystemIdentity", bladeID, http.MethodGet, systemPath, nil, &sys); err != nil {
		return uuid.Nil, err
	}

	guid, err := uuid.Parse(sys.UUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("blade %d system UUID %q - %w", bladeID, sys.UUID, hal.Fail("ReadSystemIdentity", hal.InvalidDataField))
	}
	return guid, nil
}

func (c *Client) ReadSensor(ctx context.Context, bladeID int, sensorID byte) (float64, error) {
	var thermal ThermalMetrics
	if err := c.do(ctx, c.retry, "ReadSensor", bladeID, http.MethodGet, thermalPath, nil, &thermal); err != nil {
		return 0, err
	}

	for _, t := range thermal.Temperatures {
		if t.SensorNumber != int(sensorID) {
			continue
		}
		if t.Status.State == "Absent" {
			return 0, fmt.Errorf("blade %d sensor %d absent - %w", bladeID, sensorID, hal.Fail("ReadSensor", hal.ResponseNotProvided))
		}
		reading, err := celsius(t.ReadingCelsius)
		if err != nil {
			return 0, fmt.Errorf("blade %d sensor %d - %w - %w", bladeID, sensorID, hal.Fail("ReadSensor", hal.InvalidDataField), err)
		}
		return reading, nil
	}

	return 0, fmt.Errorf("blade %d has no sensor %d - %w", bladeID, sensorID, hal.Fail("ReadSensor", hal.InvalidDataField))
}

// Initialize classifies the blade from its chassis type and caches the BMC
// firmware version.
func (c *Client) Initialize(ctx context.Context, bladeID int) (blade.Type, error) {
	var ch Chassis
	if err := c.do(ctx, c.retry, "Initialize", bladeID, http.MethodGet, chassisPath, nil, &ch); err != nil {
		return blade.Unknown, err
	}

	if _, err := c.firmwareVersion(ctx, bladeID); err != nil {
		zap.L().Warn("unable to read BMC firmware version", zap.Int("blade_id", bladeID), zap.Error(err))
	}

	switch ch.ChassisType {
	case "StorageEnclosure", "Drawer":
		return blade.Jbod, nil
	case "Blade", "Sled", "RackMount", "Module":
		return blade.Compute, nil
	default:
		return blade.Unknown, nil
	}
}

func (c *Client) SetDefaultOperations(ctx context.Context, bladeID int, enabled bool) error {
	fw, err := c.firmwareVersion(ctx, bladeID)
	if err != nil {
		return err
	}
	if !c.constraint.Check(fw) {
		return fmt.Errorf("blade %d BMC firmware %s does not satisfy %s - %w", bladeID, fw, c.constraint, hal.ErrUnsupported)
	}

	var patch ManagerPatch
	patch.Oem.DefaultOperations.Enabled = enabled
	return c.do(ctx, c.retry, "SetDefaultOperations", bladeID, http.MethodPatch, managerPath, patch, nil)
}

func (c *Client) firmwareVersion(ctx context.Context, bladeID int) (*version.Version, error) {
	c.mu.Lock()
	fw, ok := c.firmware[bladeID]
	c.mu.Unlock()
	if ok {
		return fw, nil
	}

	var mgr Manager
	if err := c.do(ctx, c.retry, "ReadFirmwareVersion", bladeID, http.MethodGet, managerPath, nil, &mgr); err != nil {
		return nil, err
	}

	fw, err := parseFirmware(mgr.FirmwareVersion)
	if err != nil {
		return nil, fmt.Errorf("blade %d - %w - %w", bladeID, hal.Fail("ReadFirmwareVersion", hal.InvalidDataField), err)
	}

	c.mu.Lock()
	c.firmware[bladeID] = fw
	c.mu.Unlock()
	return fw, nil
}

// parseFirmware accepts versions like "2.72", "v2.72" or "iLO 5 v2.72 (Jan 01 2025)".
func parseFirmware(s string) (*version.Version, error) {
	if i := strings.Index(s, "("); i >= 0 {
		s = s[:i]
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty firmware version")
	}
	return version.NewVersion(strings.TrimPrefix(fields[len(fields)-1], "v"))
}
