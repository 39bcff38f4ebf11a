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

package logger

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger      *zap.Logger
	atomicLevel = zap.NewAtomicLevel()

	ErrUnknownLogMethod = errors.New("unknown log method")
)

// LoggerConfig selects where logs go in addition to stdout.
type LoggerConfig struct {
	LogLevel       string
	LogMethod      string
	LogFile        LogFile
	VectorEndpoint string
}

// LogFile configures rotation when LogMethod is file.
type LogFile struct {
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

func Initialize(svc, hostname string, cfg LoggerConfig) error {
	atomicLevel.SetLevel(parseLevel(cfg.LogLevel))

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(ProdEncoderConf()),
		os.Stdout,
		atomicLevel)

	var extra zapcore.WriteSyncer
	switch cfg.LogMethod {
	case "":
	case "file":
		extra = lumberjackSink{&lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogFile.Path, svc+".log"),
			MaxSize:    cfg.LogFile.MaxSize, // megabytes
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAge, // days
		}}
	case "vector":
		u, err := url.Parse(cfg.VectorEndpoint)
		if err != nil {
			return fmt.Errorf("parsing vector endpoint %s - %w", cfg.VectorEndpoint, err)
		}
		extra = newVectorSink(u)
	default:
		return fmt.Errorf("%w %q", ErrUnknownLogMethod, cfg.LogMethod)
	}

	if extra != nil {
		core = zapcore.NewTee(core, zapcore.NewCore(
			zapcore.NewJSONEncoder(ProdEncoderConf()),
			extra,
			atomicLevel))
	}

	// fields are attached above the tee so every sink carries them
	logger = zap.New(core, zap.AddCaller(),
		zap.Fields(
			zap.Field{
				Key:    "app",
				Type:   zapcore.StringType,
				String: svc,
			},
			zap.Field{
				Key:    "host",
				Type:   zapcore.StringType,
				String: hostname,
			},
		))

	zap.ReplaceGlobals(logger)
	return nil
}

func Flush() {
	if logger != nil {
		logger.Sync()
	}
}

func SetLevel(l string) {
	atomicLevel.SetLevel(parseLevel(l))
}

func GetLevel() string {
	return atomicLevel.Level().String()
}

func parseLevel(l string) zapcore.Level {
	switch l {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func ProdEncoderConf() zapcore.EncoderConfig {
	encConf := zap.NewProductionEncoderConfig()
	encConf.EncodeTime = zapcore.RFC3339TimeEncoder

	return encConf
}

// HCLog returns a leveled logger for libraries that take an hclog.Logger,
// writing through the global zap logger.
func HCLog(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(GetLevel()),
		Output: zap.NewStdLog(zap.L().Named(name)).Writer(),
	})
}

func Verbosity(w http.ResponseWriter, r *http.Request) {
	log := zap.L()
	level := GetLevel()
	log.Info("current logging level", zap.String("level", level))

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "{\"verbosity\": \"%s\"}", level)
}

func SetVerbosity(w http.ResponseWriter, r *http.Request) {
	log := zap.L()
	query := r.URL.Query()

	level := query.Get("v")
	if level == "" {
		http.Error(w, "'v' parameter is not set", http.StatusBadRequest)
		return
	}

	SetLevel(level)

	log.Info("updating logging level", zap.String("level", level))

	w.WriteHeader(http.StatusNoContent)
	fmt.Fprint(w, "")
}
