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

// Package modbus reaches the chassis management controller: fans, watchdog,
// attention LED and power supplies, over Modbus TCP.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/comcast/chassisd/config"
	"github.com/comcast/chassisd/hal"
	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// register map of the chassis management controller
const (
	regFanPWM        uint16 = 0x0000 // holding, + bank id
	regWatchdog      uint16 = 0x0010 // holding
	regFanRPM        uint16 = 0x0100 // input, + fan id - 1
	regPsuBase       uint16 = 0x0200 // input, + psuRegisters * (psu id - 1)
	regFwControl     uint16 = 0x1000 // holding: psu id, image length hi, lo
	regFwCommit      uint16 = 0x1003 // holding
	regFwStatus      uint16 = 0x1004 // input
	regFwWindow      uint16 = 0x1100 // holding, chunks are appended
	coilAttentionLED uint16 = 0x0000

	psuRegisters = 8
	watchdogKick = 0xA5A5

	// registers per write multiple request
	chunkRegisters = 120

	fwIdle  = 0
	fwBusy  = 1
	fwError = 2
)

// Client implements hal.ChassisAccess. The bus carries one transaction at
// a time; firmware updates hold it per chunk so fan and watchdog traffic
// keeps flowing.
type Client struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	bus     modbus.Client

	fwMu         sync.Mutex
	pollInterval time.Duration
	attempts     uint64
	retryWait    time.Duration
}

// NewClient connects lazily to the controller at cfg.Endpoint.
func NewClient(cfg config.Modbus) *Client {
	handler := modbus.NewTCPClientHandler(cfg.Endpoint)
	handler.Timeout = cfg.Timeout
	handler.SlaveId = cfg.UnitID

	c := newClient(modbus.NewClient(handler))
	c.handler = handler
	return c
}

func newClient(bus modbus.Client) *Client {
	return &Client{
		bus:          bus,
		pollInterval: 500 * time.Millisecond,
		attempts:     2,
		retryWait:    50 * time.Millisecond,
	}
}

func (c *Client) Close() error {
	if c.handler == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// call runs one bus transaction, retrying transient failures.
func (c *Client) call(ctx context.Context, op string, fn func(modbus.Client) ([]byte, error)) ([]byte, error) {
	var out []byte
	err := hal.Retry(ctx, c.attempts, c.retryWait, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		res, err := fn(c.bus)
		if err != nil && c.handler != nil && !isException(err) {
			// drop the connection, the next request reconnects
			c.handler.Close()
		}
		c.mu.Unlock()

		if err != nil {
			return completion(op, err)
		}
		out = res
		return nil
	})
	return out, err
}

func isException(err error) bool {
	var me *modbus.ModbusError
	return errors.As(err, &me)
}

func completion(op string, err error) error {
	code := hal.CommunicationFailure

	var me *modbus.ModbusError
	var ne net.Error
	switch {
	case errors.As(err, &me):
		code = exceptionCode(me.ExceptionCode)
	case errors.As(err, &ne) && ne.Timeout():
		code = hal.Timeout
	}

	return fmt.Errorf("%w - %w", hal.Fail(op, code), err)
}

func exceptionCode(ex byte) hal.CompletionCode {
	switch ex {
	case modbus.ExceptionCodeIllegalFunction:
		return hal.InvalidCommand
	case modbus.ExceptionCodeIllegalDataAddress, modbus.ExceptionCodeIllegalDataValue:
		return hal.InvalidDataField
	case modbus.ExceptionCodeServerDeviceFailure:
		return hal.CannotExecute
	case modbus.ExceptionCodeAcknowledge, modbus.ExceptionCodeServerDeviceBusy:
		return hal.NodeBusy
	case modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return hal.Timeout
	case modbus.ExceptionCodeGatewayPathUnavailable:
		return hal.CommunicationFailure
	default:
		return hal.Unspecified
	}
}

func (c *Client) SetFanSpeed(ctx context.Context, bankID int, pwm byte) error {
	if bankID < 0 || pwm > 100 {
		return fmt.Errorf("fan bank %d pwm %d - %w", bankID, pwm, hal.Fail("SetFanSpeed", hal.InvalidDataField))
	}
	_, err := c.call(ctx, "SetFanSpeed", func(b modbus.Client) ([]byte, error) {
		return b.WriteSingleRegister(regFanPWM+uint16(bankID), uint16(pwm))
	})
	return err
}

func (c *Client) GetFanSpeed(ctx context.Context, fanID int) (int, error) {
	if fanID < 1 {
		return 0, fmt.Errorf("fan %d - %w", fanID, hal.Fail("GetFanSpeed", hal.InvalidDataField))
	}
	res, err := c.call(ctx, "GetFanSpeed", func(b modbus.Client) ([]byte, error) {
		return b.ReadInputRegisters(regFanRPM+uint16(fanID-1), 1)
	})
	if err != nil {
		return 0, err
	}
	if len(res) < 2 {
		return 0, fmt.Errorf("fan %d short response - %w", fanID, hal.Fail("GetFanSpeed", hal.InvalidDataField))
	}
	return int(binary.BigEndian.Uint16(res)), nil
}

func (c *Client) ResetWatchdog(ctx context.Context) error {
	_, err := c.call(ctx, "ResetWatchdog", func(b modbus.Client) ([]byte, error) {
		return b.WriteSingleRegister(regWatchdog, watchdogKick)
	})
	return err
}

func (c *Client) ReadAttentionLED(ctx context.Context) (bool, error) {
	res, err := c.call(ctx, "ReadAttentionLED", func(b modbus.Client) ([]byte, error) {
		return b.ReadCoils(coilAttentionLED, 1)
	})
	if err != nil {
		return false, err
	}
	if len(res) < 1 {
		return false, fmt.Errorf("attention LED short response - %w", hal.Fail("ReadAttentionLED", hal.InvalidDataField))
	}
	return res[0]&0x01 == 1, nil
}

func (c *Client) SetAttentionLED(ctx context.Context, on bool) error {
	var v uint16
	if on {
		v = 0xFF00
	}
	_, err := c.call(ctx, "SetAttentionLED", func(b modbus.Client) ([]byte, error) {
		return b.WriteSingleCoil(coilAttentionLED, v)
	})
	return err
}

func (c *Client) ReadPsuTelemetry(ctx context.Context, psuID int) (hal.PsuTelemetry, error) {
	if psuID < 1 {
		return hal.PsuTelemetry{}, fmt.Errorf("psu %d - %w", psuID, hal.Fail("ReadPsuTelemetry", hal.InvalidDataField))
	}
	res, err := c.call(ctx, "ReadPsuTelemetry", func(b modbus.Client) ([]byte, error) {
		return b.ReadInputRegisters(regPsuBase+uint16(psuRegisters*(psuID-1)), psuRegisters)
	})
	if err != nil {
		return hal.PsuTelemetry{}, err
	}
	t, err := decodePsu(res)
	if err != nil {
		return hal.PsuTelemetry{}, fmt.Errorf("psu %d - %w - %w", psuID, hal.Fail("ReadPsuTelemetry", hal.InvalidDataField), err)
	}
	return t, nil
}

// decodePsu reads the psu register block: status, output power and input
// voltage in tenths, firmware major and minor, battery present, battery
// charge in tenths of a percent and battery fault.
func decodePsu(b []byte) (hal.PsuTelemetry, error) {
	if len(b) < 2*psuRegisters {
		return hal.PsuTelemetry{}, fmt.Errorf("expected %d bytes, got %d", 2*psuRegisters, len(b))
	}
	reg := func(i int) uint16 { return binary.BigEndian.Uint16(b[2*i:]) }

	t := hal.PsuTelemetry{
		OutputWatts:     float64(reg(1)) / 10,
		InputVoltage:    float64(reg(2)) / 10,
		FirmwareVersion: fmt.Sprintf("%d.%d", reg(3), reg(4)),
		BatteryPresent:  reg(5) != 0,
		BatteryFault:    reg(7) != 0,
	}
	switch reg(0) {
	case 0:
		t.Status = hal.PsuOK
	case 1:
		t.Status = hal.PsuFault
	default:
		t.Status = hal.PsuNotPresent
	}
	if t.BatteryPresent {
		t.BatteryCharge = float64(reg(6)) / 10
	}
	return t, nil
}

// chunks splits an image into register sized pieces, padding the last one
// to a whole register.
func chunks(image []byte) [][]byte {
	size := 2 * chunkRegisters
	var out [][]byte
	for len(image) > 0 {
		n := min(size, len(image))
		chunk := image[:n]
		if n%2 == 1 {
			chunk = append(append([]byte{}, chunk...), 0)
		}
		out = append(out, chunk)
		image = image[n:]
	}
	return out
}

// UpdatePsuFirmware streams image to the controller and waits for it to
// report the flash finished.
func (c *Client) UpdatePsuFirmware(ctx context.Context, psuID int, image []byte) error {
	const op = "UpdatePsuFirmware"
	if psuID < 1 || len(image) == 0 || uint64(len(image)) > 0xFFFFFFFF {
		return fmt.Errorf("psu %d image of %d bytes - %w", psuID, len(image), hal.Fail(op, hal.InvalidDataField))
	}

	c.fwMu.Lock()
	defer c.fwMu.Unlock()

	header := make([]byte, 6)
	binary.BigEndian.PutUint16(header, uint16(psuID))
	binary.BigEndian.PutUint32(header[2:], uint32(len(image)))
	if _, err := c.call(ctx, op, func(b modbus.Client) ([]byte, error) {
		return b.WriteMultipleRegisters(regFwControl, 3, header)
	}); err != nil {
		return err
	}

	parts := chunks(image)
	for i, chunk := range parts {
		if _, err := c.call(ctx, op, func(b modbus.Client) ([]byte, error) {
			return b.WriteMultipleRegisters(regFwWindow, uint16(len(chunk)/2), chunk)
		}); err != nil {
			return fmt.Errorf("psu %d chunk %d of %d - %w", psuID, i+1, len(parts), err)
		}
	}

	if _, err := c.call(ctx, op, func(b modbus.Client) ([]byte, error) {
		return b.WriteSingleRegister(regFwCommit, 1)
	}); err != nil {
		return err
	}

	zap.L().Info("psu firmware image transferred", zap.Int("psu_id", psuID), zap.Int("bytes", len(image)))

	for {
		res, err := c.call(ctx, op, func(b modbus.Client) ([]byte, error) {
			return b.ReadInputRegisters(regFwStatus, 1)
		})
		if err != nil {
			return err
		}
		if len(res) < 2 {
			return fmt.Errorf("psu %d firmware status short response - %w", psuID, hal.Fail(op, hal.InvalidDataField))
		}

		switch binary.BigEndian.Uint16(res) {
		case fwIdle:
			return nil
		case fwError:
			return fmt.Errorf("psu %d rejected firmware image - %w", psuID, hal.Fail(op, hal.CannotExecute))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("psu %d firmware flash - %w", psuID, ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}
