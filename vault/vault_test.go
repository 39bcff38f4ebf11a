/*
 * Copyright 2024 Comcast Cable Communications Management, LLC
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

package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeVault serves the approle login and kv read endpoints.
func newFakeVault(t *testing.T, logins *atomic.Int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["secret_id"] != "good-secret" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errors":["invalid secret id"]}`))
			return
		}
		logins.Add(1)
		w.Write([]byte(`{"auth":{"client_token":"s.testtoken","renewable":false,"lease_duration":60,"policies":["chassisd"]}}`))
	})
	mux.HandleFunc("/v1/kv2/data/bmc/10.0.0.21", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"data":{"user":"admin","password":"s3cret"},"metadata":{"version":3,"created_time":"2025-01-01T00:00:00Z","deletion_time":"","destroyed":false}}}`))
	})
	mux.HandleFunc("/v1/kv2/data/bmc/10.0.0.22", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"data":{"user":"admin"},"metadata":{"version":1,"created_time":"2025-01-01T00:00:00Z","deletion_time":"","destroyed":false}}}`))
	})
	mux.HandleFunc("/v1/secret/chassis", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"user":"root","password":"calvin"}}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func Test_SecretPath(t *testing.T) {
	tests := []struct {
		name   string
		props  SecretProperties
		target string
		want   string
	}{
		{"path and target", SecretProperties{Path: "bmc"}, "10.0.0.21", "bmc/10.0.0.21"},
		{"path and name", SecretProperties{Path: "bmc", SecretName: "shared"}, "10.0.0.21", "bmc/shared"},
		{"name only", SecretProperties{SecretName: "shared"}, "10.0.0.21", "shared"},
		{"target only", SecretProperties{}, "10.0.0.21", "10.0.0.21"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, test.props.SecretPath(test.target))
		})
	}
}

func Test_Vault_Auth(t *testing.T) {
	ctx := context.Background()
	var logins atomic.Int32
	srv := newFakeVault(t, &logins)

	t.Run("bad CA cert", func(t *testing.T) {
		_, err := NewVaultAppRoleClient(ctx, Parameters{Address: srv.URL, CACertBytes: []byte("bad cert")})
		assert.Error(t, err)
	})

	t.Run("bad login", func(t *testing.T) {
		v, err := NewVaultAppRoleClient(ctx, Parameters{Address: srv.URL, ApproleRoleID: "role", ApproleSecretID: "bad-secret"})
		require.NoError(t, err)
		_, err = v.login(ctx)
		assert.Error(t, err)
	})

	t.Run("good login", func(t *testing.T) {
		v, err := NewVaultAppRoleClient(ctx, Parameters{Address: srv.URL, ApproleRoleID: "role", ApproleSecretID: "good-secret"})
		require.NoError(t, err)
		authInfo, err := v.login(ctx)
		require.NoError(t, err)
		assert.Equal(t, "s.testtoken", authInfo.Auth.ClientToken)
	})
}

func Test_GetCredential(t *testing.T) {
	ctx := context.Background()
	var logins atomic.Int32
	srv := newFakeVault(t, &logins)

	v, err := NewVaultAppRoleClient(ctx, Parameters{Address: srv.URL, ApproleRoleID: "role", ApproleSecretID: "good-secret"})
	require.NoError(t, err)

	props := SecretProperties{MountPath: "kv2", Path: "bmc", UserField: "user", PasswordField: "password"}

	_, _, err = v.GetCredential(ctx, props, "10.0.0.21")
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = v.login(ctx)
	require.NoError(t, err)
	v.setLoggedIn(true)

	user, pass, err := v.GetCredential(ctx, props, "10.0.0.21")
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "s3cret", pass)

	_, _, err = v.GetCredential(ctx, props, "10.0.0.22")
	assert.ErrorContains(t, err, `"password"`)

	_, _, err = v.GetCredential(ctx, props, "10.0.0.99")
	assert.Error(t, err)

	kv1 := SecretProperties{MountPath: "secret", SecretName: "chassis", UserField: "user", PasswordField: "password"}
	user, pass, err = v.GetCredential(ctx, kv1, "10.0.0.21")
	require.NoError(t, err)
	assert.Equal(t, "root", user)
	assert.Equal(t, "calvin", pass)
}

func Test_RenewTokenLogsInUntilCancelled(t *testing.T) {
	var logins atomic.Int32
	srv := newFakeVault(t, &logins)

	old := retryLogin
	retryLogin = 10 * time.Millisecond
	defer func() { retryLogin = old }()

	v, err := NewVaultAppRoleClient(context.Background(), Parameters{Address: srv.URL, ApproleRoleID: "role", ApproleSecretID: "good-secret"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.RenewToken(ctx)
		close(done)
	}()

	// tokens are not renewable so the loop keeps logging in
	assert.Eventually(t, func() bool { return logins.Load() >= 2 && v.IsLoggedIn() }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RenewToken did not stop")
	}
	assert.False(t, v.IsLoggedIn())
}
