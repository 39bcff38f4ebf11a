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
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/comcast/chassisd/config"
	cm_vault "github.com/comcast/chassisd/vault"
	"go.uber.org/zap"
)

var (
	ChassisCreds = ChassisCredentials{
		Creds: make(map[string]*Credential),
	}

	ErrVaultNotConfigured = errors.New("vault client not configured")
)

// ChassisCredentials caches BMC credentials per host. Hosts without a cached
// entry use the statically configured user and password.
type ChassisCredentials struct {
	mu    sync.Mutex
	Creds map[string]*Credential
	Vault *cm_vault.Vault
	Props cm_vault.SecretProperties
}

type Credential struct {
	User string
	Pass string
}

func (c *ChassisCredentials) Get(key string) (*Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.Creds[key]
	return val, ok
}

func (c *ChassisCredentials) Set(key string, value *Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Creds[key] = value
}

func (c *ChassisCredentials) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Creds, key)
}

// Lookup returns the cached credential for host or the static one.
func (c *ChassisCredentials) Lookup(host string) Credential {
	if cred, ok := c.Get(host); ok {
		return *cred
	}
	return Credential{User: config.GetConfig().User, Pass: config.GetConfig().Pass}
}

// GetCredentials reads the credential for target from vault.
func (c *ChassisCredentials) GetCredentials(ctx context.Context, target string) (*Credential, error) {
	if c.Vault == nil {
		return nil, ErrVaultNotConfigured
	}

	user, pass, err := c.Vault.GetCredential(ctx, c.Props, target)
	if err != nil {
		zap.L().Error("issue retrieving credentials from vault", zap.String("target", target), zap.Error(err))
		return nil, fmt.Errorf("issue retrieving credentials from vault using target %s - %w", target, err)
	}

	return &Credential{User: user, Pass: pass}, nil
}

// Refresh drops the cached credential for host and fetches it again.
func (c *ChassisCredentials) Refresh(ctx context.Context, host string) error {
	c.Delete(host)
	cred, err := c.GetCredentials(ctx, host)
	if err != nil {
		return err
	}
	c.Set(host, cred)
	return nil
}
