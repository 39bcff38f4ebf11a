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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/comcast/chassisd/buildinfo"
	"github.com/comcast/chassisd/chassis"
	"github.com/comcast/chassisd/common"
	"github.com/comcast/chassisd/config"
	"github.com/comcast/chassisd/exporter"
	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/hal/modbus"
	"github.com/comcast/chassisd/hal/redfish"
	"github.com/comcast/chassisd/hal/sim"
	"github.com/comcast/chassisd/http/handlers"
	"github.com/comcast/chassisd/logger"
	"github.com/comcast/chassisd/middleware/logging"
	"github.com/comcast/chassisd/middleware/muxprom"
	cm_vault "github.com/comcast/chassisd/vault"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	app = "chassisd"
)

var (
	a                  = kingpin.New(app, "rack chassis manager: blade lifecycle supervisor and fan control")
	configFile         = a.Flag("config.file", "chassis configuration file").Default("").Envar("CONFIG_FILE").String()
	halKind            = a.Flag("hal", "hardware access layer").PlaceHolder("[sim|hardware]").Default("hardware").Envar("HAL").Enum("sim", "hardware")
	username           = a.Flag("user", "BMC static username").Default("").Envar("BMC_USERNAME").String()
	password           = a.Flag("password", "BMC static password").Default("").Envar("BMC_PASSWORD").String()
	bmcTimeout         = a.Flag("timeout", "BMC request timeout").Default("15s").Envar("BMC_TIMEOUT").Duration()
	bmcScheme          = a.Flag("scheme", "BMC Scheme to use").Default("https").Envar("BMC_SCHEME").String()
	insecureSkipVerify = a.Flag("insecure-skip-verify", "Skip TLS verification").Default("false").Envar("INSECURE_SKIP_VERIFY").Bool()
	modbusEndpoint     = a.Flag("modbus.endpoint", "chassis management controller address, overrides the config file").Default("").Envar("MODBUS_ENDPOINT").String()
	logLevel           = a.Flag("log.level", "log level verbosity").PlaceHolder("[debug|info|warn|error]").Default("info").Envar("LOG_LEVEL").String()
	logMethod          = a.Flag("log.method", "alternative method for logging in addition to stdout").PlaceHolder("[file|vector]").Default("").Envar("LOG_METHOD").String()
	logFilePath        = a.Flag("log.file-path", "directory path where log files are written if log-method is file").Default("/var/log/chassisd").Envar("LOG_FILE_PATH").String()
	logFileMaxSize     = a.Flag("log.file-max-size", "max file size in megabytes if log-method is file").Default("256").Envar("LOG_FILE_MAX_SIZE").String()
	logFileMaxBackups  = a.Flag("log.file-max-backups", "max file backups before they are rotated if log-method is file").Default("1").Envar("LOG_FILE_MAX_BACKUPS").String()
	logFileMaxAge      = a.Flag("log.file-max-age", "max file age in days before they are rotated if log-method is file").Default("1").Envar("LOG_FILE_MAX_AGE").String()
	vectorEndpoint     = a.Flag("vector.endpoint", "vector endpoint to send structured json logs to").Default("http://0.0.0.0:4444").Envar("VECTOR_ENDPOINT").String()
	port               = a.Flag("port", "api and metrics port").Default("10080").Envar("CHASSISD_PORT").String()
	operationTimeout   = a.Flag("api.operation-timeout", "how long an api request waits for a blade or psu").Default("30s").Envar("API_OPERATION_TIMEOUT").Duration()
	stopTimeout        = a.Flag("stop-timeout", "how long shutdown waits for the control loops").Default("30s").Envar("STOP_TIMEOUT").Duration()
	vaultAddr          = a.Flag("vault.addr", "Vault instance address to get BMC credentials from").Default("https://vault.com").Envar("VAULT_ADDRESS").String()
	vaultRoleId        = a.Flag("vault.role-id", "Vault Role ID for AppRole").Default("").Envar("VAULT_ROLE_ID").String()
	vaultSecretId      = a.Flag("vault.secret-id", "Vault Secret ID for AppRole").Default("").Envar("VAULT_SECRET_ID").String()

	log *zap.Logger
)

var wg = sync.WaitGroup{}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	a.HelpFlag.Short('h')
	a.Version(buildinfo.String())

	_, err = a.Parse(os.Args[1:])
	if err != nil {
		panic(fmt.Errorf("error parsing argument flags - %s", err.Error()))
	}

	// validate logFilePath exists and is a directory
	if *logMethod == "file" {
		fd, err := os.Stat(*logFilePath)
		if os.IsNotExist(err) {
			panic(err)
		}
		if !fd.IsDir() {
			panic(fmt.Errorf("%s is not a directory", *logFilePath))
		}
	}

	logfileMaxSize, err := strconv.Atoi(*logFileMaxSize)
	if err != nil {
		panic(fmt.Errorf("error converting arg --log.file-max-size to int - %s", err.Error()))
	}

	logfileMaxBackups, err := strconv.Atoi(*logFileMaxBackups)
	if err != nil {
		panic(fmt.Errorf("error converting arg --log.file-max-backups to int - %s", err.Error()))
	}

	logfileMaxAge, err := strconv.Atoi(*logFileMaxAge)
	if err != nil {
		panic(fmt.Errorf("error converting arg --log.file-max-age to int - %s", err.Error()))
	}

	c, err := config.Load(*configFile)
	if err != nil {
		panic(err)
	}
	c.BMCScheme = *bmcScheme
	c.BMCTimeout = *bmcTimeout
	c.SSLVerify = *insecureSkipVerify
	c.User = *username
	c.Pass = *password
	if *modbusEndpoint != "" {
		c.Modbus.Endpoint = *modbusEndpoint
	}

	config.NewConfig(c)

	// init logger config
	logConfig := logger.LoggerConfig{
		LogLevel:  *logLevel,
		LogMethod: *logMethod,
		LogFile: logger.LogFile{
			Path:       *logFilePath,
			MaxSize:    logfileMaxSize,
			MaxBackups: logfileMaxBackups,
			MaxAge:     logfileMaxAge,
		},
		VectorEndpoint: *vectorEndpoint,
	}

	err = logger.Initialize(app, hostname, logConfig)
	if err != nil {
		panic(fmt.Errorf("error initializing logger - log_method=%s vector_endpoint=%s log_file_path=%s - err=%s",
			*logMethod, *vectorEndpoint, *logFilePath, err.Error()))
	}

	log = zap.L()
	defer logger.Flush()

	if err := c.Validate(); err != nil {
		log.Fatal("refusing to start with an invalid configuration", zap.Error(err), zap.String("config_file", *configFile))
	}

	log.Info("starting "+app, zap.String("version", buildinfo.Info.GitVersion),
		zap.String("hal", *halKind),
		zap.Int("population", c.Chassis.Population),
		zap.Int("psu_count", c.Chassis.PsuCount))

	// configure vault client if vaultRoleId & vaultSecretId are set
	if *vaultRoleId != "" && *vaultSecretId != "" {
		vault, err := cm_vault.NewVaultAppRoleClient(
			ctx,
			cm_vault.Parameters{
				Address:         *vaultAddr,
				ApproleRoleID:   *vaultRoleId,
				ApproleSecretID: *vaultSecretId,
			},
		)
		if err != nil {
			log.Error("failed initializing vault client", zap.Error(err),
				zap.String("vault_address", *vaultAddr),
				zap.String("vault_role_id", *vaultRoleId))
		} else {
			// we add this here so we can update credentials once we detect they are rotated
			common.ChassisCreds.Vault = vault
			common.ChassisCreds.Props = cm_vault.SecretProperties{
				MountPath:     c.Vault.MountPath,
				Path:          c.Vault.Path,
				SecretName:    c.Vault.SecretName,
				UserField:     c.Vault.UserField,
				PasswordField: c.Vault.PasswordField,
			}

			// start go routine to continuously renew vault token
			wg.Add(1)
			go func() {
				defer wg.Done()
				vault.RenewToken(ctx)
			}()
		}
	}

	bmc, chassisAccess, closeHal, err := newHal(*halKind, c)
	if err != nil {
		log.Fatal("failed initializing hardware access layer", zap.Error(err), zap.String("hal", *halKind))
	}
	defer closeHal()

	manager := chassis.NewManager(c, bmc, chassisAccess)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("failed starting chassis manager", zap.Error(err))
	}

	prometheus.MustRegister(exporter.NewExporter(manager))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(buildinfo.Info)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	health := manager.HealthHandler()
	mux.HandleFunc("GET /live", health.LiveEndpoint)
	mux.HandleFunc("GET /ready", health.ReadyEndpoint)

	handlers.Register(mux, &handlers.APIConfig{
		API:              manager,
		OperationTimeout: *operationTimeout,
	})

	tmplIndex := template.Must(template.New("index").Parse(indexTmpl))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		err := tmplIndex.Execute(w, indexAppData{
			Hostname: hostname,
			Build:    buildinfo.Info,
			Blades:   manager.GetAllStates(),
			Fans:     manager.FanState(),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("GET /verbosity", logger.Verbosity)
	mux.HandleFunc("PUT /verbosity", logger.SetVerbosity)

	instrumentation := muxprom.NewDefaultInstrumentation()
	wrappedmux := logging.LoggingHandler(instrumentation.Middleware(mux))

	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           wrappedmux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	listener, err := net.Listen("tcp4", ":"+*port)
	if err != nil {
		log.Error("starting "+app+" service failed", zap.Error(err))
		signals <- syscall.SIGTERM
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				log.Error("http server received an error", zap.Error(err))
				signals <- syscall.SIGTERM
			}
		}()

		log.Info("started "+app+" service", zap.String("port", *port))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s := <-signals
		log.Info(s.String() + " signal caught, stopping app")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *stopTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown failed", zap.Error(err))
		}

		if err := manager.Stop(*stopTimeout); err != nil {
			log.Error("chassis manager did not stop cleanly", zap.Error(err))
		}

		// stops the vault token watcher
		cancel()
	}()

	wg.Wait()
}

// newHal builds the blade and chassis access layers. The returned func
// releases their connections.
func newHal(kind string, c *config.Config) (hal.BladeAccess, hal.ChassisAccess, func(), error) {
	switch kind {
	case "sim":
		s := sim.New(c.Chassis.Population, c.Fans.Count, c.Chassis.PsuCount)
		return s, s, func() {}, nil
	case "hardware":
		if c.Modbus.Endpoint == "" {
			return nil, nil, nil, fmt.Errorf("modbus endpoint is required with the hardware access layer")
		}
		bmc, err := redfish.NewClient(c)
		if err != nil {
			return nil, nil, nil, err
		}
		mb := modbus.NewClient(c.Modbus)
		return bmc, mb, func() {
			if err := mb.Close(); err != nil {
				log.Warn("closing modbus connection", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown hardware access layer %q", kind)
	}
}
