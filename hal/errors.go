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

package hal

import (
	"errors"
	"fmt"
)

// CompletionCode is the status byte returned by the management bus.
type CompletionCode byte

const (
	Success              CompletionCode = 0x00
	CommunicationFailure CompletionCode = 0xA0
	NodeBusy             CompletionCode = 0xC0
	InvalidCommand       CompletionCode = 0xC1
	Timeout              CompletionCode = 0xC3
	InvalidDataField     CompletionCode = 0xCC
	ResponseNotProvided  CompletionCode = 0xCE
	CannotExecute        CompletionCode = 0xD5
	Unspecified          CompletionCode = 0xFF
)

var codeNames = map[CompletionCode]string{
	Success:              "Success",
	CommunicationFailure: "CommunicationFailure",
	NodeBusy:             "NodeBusy",
	InvalidCommand:       "InvalidCommand",
	Timeout:              "Timeout",
	InvalidDataField:     "InvalidDataField",
	ResponseNotProvided:  "ResponseNotProvided",
	CannotExecute:        "CannotExecute",
	Unspecified:          "Unspecified",
}

func (c CompletionCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// Err returns nil for Success and a *CompletionError otherwise.
func (c CompletionCode) Err() error {
	if c == Success {
		return nil
	}
	return &CompletionError{Code: c}
}

var (
	ErrBusy          = &CompletionError{Code: NodeBusy}
	ErrTimeout       = &CompletionError{Code: Timeout}
	ErrCommunication = &CompletionError{Code: CommunicationFailure}
	ErrUnspecified   = &CompletionError{Code: Unspecified}

	ErrUnsupported = errors.New("operation not supported by hardware access layer")
)

// CompletionError is a failed management bus request.
type CompletionError struct {
	Code CompletionCode
	Op   string
}

func (e *CompletionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s failed with completion code %s", e.Op, e.Code)
	}
	return fmt.Sprintf("completion code %s", e.Code)
}

// Is matches any CompletionError carrying the same code.
func (e *CompletionError) Is(target error) bool {
	var t *CompletionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Fail builds a CompletionError for op.
func Fail(op string, code CompletionCode) error {
	return &CompletionError{Code: code, Op: op}
}

// CodeOf extracts the completion code of err. Errors that do not carry one
// are reported as Unspecified.
func CodeOf(err error) CompletionCode {
	if err == nil {
		return Success
	}
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Unspecified
}
