/*
 * Copyright 2023 Comcast Cable Communications Management, LLC
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

package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
)

// HTTPError is a non 2xx response from a BMC.
type HTTPError struct {
	StatusCode int
	URI        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned HTTP status %d", e.URI, e.StatusCode)
}

// LastResponseErrorHandler is a retryablehttp.ErrorHandler that hands the final
// response back once retries run out, so its status can be mapped.
func LastResponseErrorHandler(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

// Do sends one request to host and returns the response body. A 401 makes it
// refresh the host's credential from vault and try once more.
func Do(ctx context.Context, client *retryablehttp.Client, method, uri, host string, body []byte) ([]byte, error) {
	req, err := BuildRequest(ctx, method, uri, host, body)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer EmptyAndCloseBody(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		if ChassisCreds.Vault == nil {
			return nil, ErrInvalidCredential
		}
		// credentials may have rotated
		if err := ChassisCreds.Refresh(ctx, host); err != nil {
			return nil, err
		}

		req, err = BuildRequest(ctx, method, uri, host, body)
		if err != nil {
			return nil, err
		}
		EmptyAndCloseBody(resp)

		resp, err = client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("retry request failed - %w", err)
		}
		defer EmptyAndCloseBody(resp)
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrInvalidCredential
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URI: uri}
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body - %w", err)
	}
	return out, nil
}

// This is required to have a proper cleanup of the response body
// to have correctly working keep-alive connections
func EmptyAndCloseBody(resp *http.Response) {
	if resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func BuildRequest(ctx context.Context, method, uri, host string, body []byte) (*retryablehttp.Request, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, uri, rawBody)
	if err != nil || req == nil {
		return nil, fmt.Errorf("failed to build retryable request - %v", err)
	}

	cred := ChassisCreds.Lookup(host)
	req.SetBasicAuth(cred.User, cred.Pass)
	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}
