// Package logging wraps zap with a fluent field-builder idiom, using
// zap.Field instead of a plain map so it composes with zap's structured
// encoders.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger at the given level. json=true selects zap's
// JSON production config; json=false falls back to the console-encoded
// development config.
func New(level string, json bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if !json {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Fields is a fluent builder for the standard structured fields this
// service attaches to log lines: component, operation, resource, and
// duration: a NewFields().Component().Operation() chain that yields
// []zap.Field for direct use with zap.Logger methods.
type Fields []zap.Field

func NewFields() Fields { return Fields{} }

func (f Fields) Component(name string) Fields {
	return append(f, zap.String("component", name))
}

func (f Fields) Operation(name string) Fields {
	return append(f, zap.String("operation", name))
}

func (f Fields) Resource(kind, name string) Fields {
	f = append(f, zap.String("resource_type", kind))
	if name != "" {
		f = append(f, zap.String("resource_name", name))
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	return append(f, zap.Duration("duration", d))
}

func (f Fields) UserID(id string) Fields {
	return append(f, zap.String("user_id", id))
}

func (f Fields) DraftID(id string) Fields {
	return append(f, zap.String("draft_id", id))
}

func (f Fields) Err(err error) Fields {
	return append(f, zap.Error(err))
}
