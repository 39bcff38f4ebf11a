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

package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"go.uber.org/zap"
)

var (
	log *zap.Logger

	ErrNotLoggedIn = errors.New("vault client is not logged in")

	// retryLogin is how long RenewToken waits after a failed login
	retryLogin = 10 * time.Second
)

type Parameters struct {
	// connection and credential parameters
	Address         string
	ApproleRoleID   string
	ApproleSecretID string
	CACertBytes     []byte
}

// SecretProperties locates BMC credentials in a kv secrets engine. When
// SecretName is empty the BMC host is used as the secret name.
type SecretProperties struct {
	MountPath     string
	Path          string
	UserField     string
	PasswordField string
	SecretName    string
}

type Vault struct {
	mu         sync.RWMutex
	client     *vault.Client
	Parameters Parameters
	isLoggedIn bool
}

// NewVaultAppRoleClient builds a client for the AppRole authentication
// method. Call RenewToken to log in and keep the token alive.
func NewVaultAppRoleClient(ctx context.Context, parameters Parameters) (*Vault, error) {
	config := vault.DefaultConfig()
	config.Address = parameters.Address
	if len(parameters.CACertBytes) > 0 {
		if err := config.ConfigureTLS(&vault.TLSConfig{
			CACertBytes: parameters.CACertBytes,
		}); err != nil {
			return nil, fmt.Errorf("unable to configure TLS: %w", err)
		}
	}
	if config.Error != nil {
		return nil, fmt.Errorf("unable to read vault environment: %w", config.Error)
	}

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize vault client: %w", err)
	}

	return &Vault{
		client:     client,
		Parameters: parameters,
	}, nil
}

func (v *Vault) login(ctx context.Context) (*vault.Secret, error) {
	v.mu.RLock()
	roleID := v.Parameters.ApproleRoleID
	secretID := v.Parameters.ApproleSecretID
	v.mu.RUnlock()

	appRoleAuth, err := approle.NewAppRoleAuth(roleID, &approle.SecretID{FromString: secretID})
	if err != nil {
		return nil, fmt.Errorf("unable to initialize approle authentication method: %w", err)
	}

	authInfo, err := v.client.Auth().Login(ctx, appRoleAuth)
	if err != nil {
		return nil, fmt.Errorf("unable to login using approle auth method: %w", err)
	}
	if authInfo == nil {
		return nil, errors.New("approle login returned no auth info")
	}

	return authInfo, nil
}

// SecretPath joins the configured path with the secret name, falling back
// to target when no name is configured.
func (p SecretProperties) SecretPath(target string) string {
	name := p.SecretName
	if name == "" {
		name = target
	}
	if p.Path != "" {
		return p.Path + "/" + name
	}
	return name
}

// GetKVSecret reads the latest version of a secret from a kv-v1 or kv-v2
// mount. Mounts named kv2 are read as version 2.
func (v *Vault) GetKVSecret(ctx context.Context, props SecretProperties, target string) (*vault.KVSecret, error) {
	var kvSecret *vault.KVSecret
	var err error

	secretPath := props.SecretPath(target)
	if props.MountPath != "kv2" {
		kvSecret, err = v.client.KVv1(props.MountPath).Get(ctx, secretPath)
	} else {
		kvSecret, err = v.client.KVv2(props.MountPath).Get(ctx, secretPath)
	}
	if err != nil {
		return kvSecret, fmt.Errorf("unable to read secret %s: %w", secretPath, err)
	}

	return kvSecret, nil
}

// GetCredential reads a user/password pair for target.
func (v *Vault) GetCredential(ctx context.Context, props SecretProperties, target string) (string, string, error) {
	if !v.IsLoggedIn() {
		return "", "", ErrNotLoggedIn
	}

	secret, err := v.GetKVSecret(ctx, props, target)
	if err != nil {
		return "", "", err
	}

	user, ok := secret.Data[props.UserField].(string)
	if !ok {
		return "", "", fmt.Errorf("the secret for %s is missing the %q field", target, props.UserField)
	}
	pass, ok := secret.Data[props.PasswordField].(string)
	if !ok {
		return "", "", fmt.Errorf("the secret for %s is missing the %q field", target, props.PasswordField)
	}

	return user, pass, nil
}

func (v *Vault) IsLoggedIn() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.isLoggedIn
}

func (v *Vault) setLoggedIn(b bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.isLoggedIn = b
}

// RenewToken logs in and keeps the token renewed until ctx is done, logging
// in again whenever the token can no longer be renewed.
func (v *Vault) RenewToken(ctx context.Context) {
	log = zap.L()

	for {
		authInfo, err := v.login(ctx)
		if err != nil {
			log.Error("unable to authenticate to vault", zap.Error(err))
			v.setLoggedIn(false)
		} else {
			v.setLoggedIn(true)
			if err := v.manageTokenLifecycle(ctx, authInfo); err != nil {
				log.Error("unable to start managing token lifecycle", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			log.Info("stopping renew token go routine")
			v.setLoggedIn(false)
			return
		case <-time.After(retryLogin):
		}
	}
}

// manageTokenLifecycle blocks while the token is being renewed. It returns
// nil when a new login is needed and an error only for fatal problems.
func (v *Vault) manageTokenLifecycle(ctx context.Context, token *vault.Secret) error {
	if token.Auth != nil && !token.Auth.Renewable {
		log.Info("token is not configured to be renewable. re-attempting login")
		return nil
	}

	watcher, err := v.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret:    token,
		Increment: token.LeaseDuration / 2,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize new lifetime watcher for renewing auth token: %w", err)
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("revoking token before app shutdown")
			revokeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := v.client.Auth().Token().RevokeSelfWithContext(revokeCtx, v.client.Token())
			cancel()
			if err != nil {
				log.Error("unable to revoke token", zap.Error(err))
			}
			return nil
		// DoneCh returns when renewal fails or the token reached its max TTL
		case err := <-watcher.DoneCh():
			if err != nil {
				log.Error("failed to renew token. re-attempting login", zap.Error(err))
				return nil
			}
			log.Info("token can no longer be renewed. re-attempting login")
			return nil
		case renewal := <-watcher.RenewCh():
			v.client.SetToken(renewal.Secret.Auth.ClientToken)
			log.Debug("successfully renewed vault token")
		}
	}
}
