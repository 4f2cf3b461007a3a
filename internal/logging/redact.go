package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/continuityd/internal/config"
)

// RedactingEncoder wraps a zapcore.Encoder to redact sensitive fields by
// name and string values matching configured patterns.
type RedactingEncoder struct {
	zapcore.Encoder
	fields   map[string]bool
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with redaction rules. With redaction
// disabled the base encoder passes through untouched.
func NewRedactingEncoder(base zapcore.Encoder, cfg config.RedactionConfig) (zapcore.Encoder, error) {
	if !cfg.Enabled {
		return base, nil
	}

	fields := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		if len(p) > 200 {
			return nil, fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{Encoder: base, fields: fields, patterns: patterns}, nil
}

func (e *RedactingEncoder) redactKey(key string) bool {
	return e.fields[strings.ToLower(key)]
}

// AddString redacts sensitive field names and matching values.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.redactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			e.Encoder.AddString(key, "[REDACTED:pattern]")
			return
		}
	}
	e.Encoder.AddString(key, val)
}

// AddByteString redacts sensitive field names.
func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.redactKey(key) {
		e.Encoder.AddByteString(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddByteString(key, val)
}

// AddReflected redacts the whole value when the key is sensitive.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.redactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// AddArray redacts sensitive field names.
func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.redactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// AddObject redacts sensitive field names.
func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.redactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone copies the encoder; rule maps are shared, they are read-only.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:  e.Encoder.Clone(),
		fields:   e.fields,
		patterns: e.patterns,
	}
}
