// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rlog is the reactor's structured logging surface: a thin wrapper
// around zap that every loop, acceptor and connector logs through before
// handing an error to the user's own callback.
package rlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a *zap.Logger with the reactor's naming conventions (a
// logger name per component, set by Named, and, where relevant, a "loop"
// field added by the caller).
type Logger struct {
	z *zap.Logger
}

// Option configures a Logger built by New.
type Option func(cfg *config)

type config struct {
	level      zapcore.Level
	filePath   string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
}

// WithLevel sets the minimum level logged; the default is Info.
func WithLevel(level zapcore.Level) Option {
	return func(cfg *config) { cfg.level = level }
}

// WithFile routes logs through a rotating lumberjack sink in addition to
// stderr. maxSizeMB/maxBackups/maxAgeDays follow lumberjack's own defaults
// when zero.
func WithFile(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(cfg *config) {
		cfg.filePath = path
		cfg.maxSizeMB = maxSizeMB
		cfg.maxBackups = maxBackups
		cfg.maxAgeDays = maxAgeDays
	}
}

// New builds a Logger. With no options it logs Info-and-above to stderr
// with a console encoder.
func New(opts ...Option) *Logger {
	cfg := config{level: zapcore.InfoLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), cfg.level),
	}
	if cfg.filePath != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.filePath,
			MaxSize:    cfg.maxSizeMB,
			MaxBackups: cfg.maxBackups,
			MaxAge:     cfg.maxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(sink), cfg.level))
	}

	return &Logger{z: zap.New(zapcore.NewTee(cores...))}
}

// Nop returns a Logger that discards everything, used as the default when a
// Server is constructed without a logging option.
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

// Named returns a child logger scoped to component, e.g. "loop", "acceptor".
func (l *Logger) Named(component string) *Logger {
	return &Logger{z: l.z.Named(component)}
}

// Warn logs at warn level with structured fields.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.z.Warn(msg, fields...) }

// Info logs at info level with structured fields.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.z.Info(msg, fields...) }

// Error logs at error level with structured fields.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }
