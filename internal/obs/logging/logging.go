/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey represents the type for context keys
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs
	CorrelationIDKey ContextKey = "correlationID"
	// VMKey is the context key for the VM a call operates on
	VMKey ContextKey = "vm"
	// ToolKey is the context key for the tool name
	ToolKey ContextKey = "tool"
	// ActionKey is the context key for the tool action
	ActionKey ContextKey = "action"
	// JobKey is the context key for job IDs
	JobKey ContextKey = "job"
	// SessionKey is the context key for client session IDs
	SessionKey ContextKey = "session"
)

// Config holds logging configuration
type Config struct {
	Level  string
	Format string // json or console
}

var (
	mu         sync.RWMutex
	rootLogger = logr.Discard()
	atomLevel  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Setup initializes the global logger with structured output. The level can
// be changed later via SetLevel (config hot reload).
func Setup(config *Config) error {
	zapConfig := zap.NewProductionConfig()

	if config.Format == "console" {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		zapConfig.Encoding = "json"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	atomLevel.SetLevel(parseLevel(config.Level))
	zapConfig.Level = atomLevel

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	rootLogger = zapr.NewLogger(zapLogger)
	mu.Unlock()

	return nil
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	atomLevel.SetLevel(parseLevel(level))
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Root returns the process-wide logger.
func Root() logr.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return rootLogger
}

// FromContext returns a logger with correlation fields from context
func FromContext(ctx context.Context) logr.Logger {
	return enrichLogger(ctx, Root())
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithVM adds the VM name or id to context
func WithVM(ctx context.Context, vm string) context.Context {
	return context.WithValue(ctx, VMKey, vm)
}

// WithTool adds tool and action to context
func WithTool(ctx context.Context, tool, action string) context.Context {
	ctx = context.WithValue(ctx, ToolKey, tool)
	if action != "" {
		ctx = context.WithValue(ctx, ActionKey, action)
	}
	return ctx
}

// WithJob adds a job ID to context
func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobKey, jobID)
}

// WithSession adds a client session ID to context
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionKey, sessionID)
}

// enrichLogger adds correlation fields from context to logger
func enrichLogger(ctx context.Context, logger logr.Logger) logr.Logger {
	fields := make([]interface{}, 0, 12)

	if val := ctx.Value(CorrelationIDKey); val != nil {
		fields = append(fields, "correlationID", val)
	}
	if val := ctx.Value(ToolKey); val != nil {
		fields = append(fields, "tool", val)
	}
	if val := ctx.Value(ActionKey); val != nil {
		fields = append(fields, "action", val)
	}
	if val := ctx.Value(VMKey); val != nil {
		fields = append(fields, "vm", val)
	}
	if val := ctx.Value(JobKey); val != nil {
		fields = append(fields, "job", val)
	}
	if val := ctx.Value(SessionKey); val != nil {
		fields = append(fields, "session", val)
	}

	if len(fields) > 0 {
		return logger.WithValues(fields...)
	}
	return logger
}

// Redactor provides secure logging by redacting sensitive information
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with common sensitive patterns
func NewRedactor() *Redactor {
	patterns := []*regexp.Regexp{
		// Passwords in URLs
		regexp.MustCompile(`://[^:]*:([^@]*?)@`),
		// Guest credentials on VBoxManage command lines
		regexp.MustCompile(`(--password)[ =](\S+)`),
		// API keys and tokens
		regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|pwd)\s*[:=]\s*["']?([^"'\s]+)["']?`),
	}

	return &Redactor{patterns: patterns}
}

// Redact removes sensitive information from strings
func (r *Redactor) Redact(input string) string {
	result := input
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			submatches := pattern.FindStringSubmatch(match)
			if len(submatches) > 1 {
				// Replace the sensitive capture with [REDACTED]
				last := submatches[len(submatches)-1]
				return strings.Replace(match, last, "[REDACTED]", 1)
			}
			return match
		})
	}
	return result
}

// Global redactor instance
var globalRedactor = NewRedactor()

// RedactString is a convenience function for global redaction
func RedactString(input string) string {
	return globalRedactor.Redact(input)
}
