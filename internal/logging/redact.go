package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/pipelined/internal/config"
)

// maxPatternLen bounds configured redaction patterns.
const maxPatternLen = 200

const (
	maskedKey   = "[REDACTED]"
	maskedValue = "[REDACTED:pattern]"
)

// Secret logs a config secret as its length only.
func Secret(key string, s config.Secret) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(s.Value()))+"]")
}

// rules decide which fields are masked.
type rules struct {
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func compileRules(cfg RedactionConfig) (*rules, error) {
	r := &rules{keys: make(map[string]bool, len(cfg.Fields))}
	if !cfg.Enabled {
		return r, nil
	}
	for _, f := range cfg.Fields {
		r.keys[strings.ToLower(f)] = true
	}
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern longer than %d chars: %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *rules) key(k string) bool { return r.keys[strings.ToLower(k)] }

func (r *rules) value(v string) bool {
	for _, re := range r.patterns {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// redactingEncoder masks fields by key name or by string value. Nested
// objects and arrays are masked whole when their key is sensitive.
type redactingEncoder struct {
	zapcore.Encoder
	rules *rules
}

func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*redactingEncoder, error) {
	r, err := compileRules(cfg)
	if err != nil {
		return nil, err
	}
	return &redactingEncoder{Encoder: base, rules: r}, nil
}

func (e *redactingEncoder) AddString(key, val string) {
	switch {
	case e.rules.key(key):
		val = maskedKey
	case e.rules.value(val):
		val = maskedValue
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.rules.key(key) || e.rules.value(string(val)) {
		e.Encoder.AddString(key, maskedKey)
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *redactingEncoder) AddBinary(key string, val []byte) {
	if e.rules.key(key) {
		e.Encoder.AddString(key, maskedKey)
		return
	}
	e.Encoder.AddBinary(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.rules.key(key) {
		e.Encoder.AddString(key, maskedKey)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.rules.key(key) {
		e.Encoder.AddString(key, maskedKey)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.rules.key(key) {
		e.Encoder.AddString(key, maskedKey)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), rules: e.rules}
}

// EncodeEntry adds the entry's own fields through the masking methods before
// handing the clone to the wrapped encoder.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	c := e.Clone().(*redactingEncoder)
	for _, f := range fields {
		f.AddTo(c)
	}
	return c.Encoder.EncodeEntry(ent, nil)
}
