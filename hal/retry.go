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
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// Transient reports whether err is worth retrying: the controller was busy,
// timed out or the bus dropped the request.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCommunication)
}

// Retry runs fn until it succeeds, returns a non transient error, the
// context ends or attempts retries have been made. Waits grow exponentially
// from interval.
func Retry(ctx context.Context, attempts uint64, interval time.Duration, fn func() error) error {
	var final error

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 8 * interval
	b.MaxElapsedTime = 0

	op := func() error {
		err := fn()
		if err != nil && !Transient(err) {
			final = err
			return nil
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx))
	if err != nil {
		return err
	}
	return final
}
