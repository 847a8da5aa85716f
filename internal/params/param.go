// Package params stores typed system parameters and propagates changes to
// the global chat limit.
package params

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mbd888/chatgate/internal/faults"
)

var (
	ErrParamNotFound = fmt.Errorf("param %w", faults.ErrNotFound)
	ErrInvalidValue  = fmt.Errorf("param value %w", faults.ErrConfigInvalid)
	ErrProtected     = errors.New("param is protected")
)

// KeyMaxChatCount holds the monthly chat limit per account. A value <= 0
// turns enforcement off.
const KeyMaxChatCount = "max_chat_count"

// Protected keys cannot be deleted.
var protected = map[string]bool{KeyMaxChatCount: true}

// Kind is the declared type of a parameter value.
type Kind string

const (
	KindString     Kind = "string"
	KindNumber     Kind = "number"
	KindBoolean    Kind = "boolean"
	KindArray      Kind = "array"
	KindStructured Kind = "structured"
)

// Param is one system parameter. Values are stored as text and checked
// against Kind on every write.
type Param struct {
	Key       string    `json:"key"`
	Kind      Kind      `json:"kind"`
	Value     string    `json:"value"`
	Schema    string    `json:"schema,omitempty"`
	Remark    string    `json:"remark,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks that Value parses as Kind. Structured values must be a
// JSON object and, when Schema is set, satisfy it.
func (p *Param) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidValue)
	}
	if strings.TrimSpace(p.Value) == "" {
		return fmt.Errorf("%w: %s: value is required", ErrInvalidValue, p.Key)
	}
	if p.Schema != "" && p.Kind != KindStructured {
		return fmt.Errorf("%w: %s: schema is only allowed on structured params", ErrInvalidValue, p.Key)
	}

	switch p.Kind {
	case KindString:
	case KindNumber:
		if _, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64); err != nil {
			return fmt.Errorf("%w: %s: %q is not a number", ErrInvalidValue, p.Key, p.Value)
		}
	case KindBoolean:
		if !strings.EqualFold(p.Value, "true") && !strings.EqualFold(p.Value, "false") {
			return fmt.Errorf("%w: %s: %q is not a boolean", ErrInvalidValue, p.Key, p.Value)
		}
	case KindArray:
		var v []interface{}
		if err := json.Unmarshal([]byte(p.Value), &v); err != nil {
			return fmt.Errorf("%w: %s: not a JSON array", ErrInvalidValue, p.Key)
		}
	case KindStructured:
		return p.validateStructured()
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidValue, p.Key, p.Kind)
	}
	return nil
}

func (p *Param) validateStructured() error {
	var v interface{}
	if err := json.Unmarshal([]byte(p.Value), &v); err != nil {
		return fmt.Errorf("%w: %s: not valid JSON", ErrInvalidValue, p.Key)
	}
	if _, ok := v.(map[string]interface{}); !ok {
		return fmt.Errorf("%w: %s: structured values must be a JSON object", ErrInvalidValue, p.Key)
	}
	if p.Schema == "" {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("param.json", bytes.NewReader([]byte(p.Schema))); err != nil {
		return fmt.Errorf("%w: %s: schema: %v", ErrInvalidValue, p.Key, err)
	}
	schema, err := compiler.Compile("param.json")
	if err != nil {
		return fmt.Errorf("%w: %s: schema: %v", ErrInvalidValue, p.Key, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, p.Key, err)
	}
	return nil
}

// Int parses the value as a whole number.
func (p *Param) Int() (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(p.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not an integer", ErrInvalidValue, p.Key, p.Value)
	}
	return n, nil
}

// Store persists parameters.
type Store interface {
	Get(ctx context.Context, key string) (*Param, error)
	// List returns params whose key or remark contains query, ordered by key.
	List(ctx context.Context, query string) ([]*Param, error)
	// Put inserts or replaces p.
	Put(ctx context.Context, p *Param) error
	Delete(ctx context.Context, key string) error
}
