package ld

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource []byte

// ErrInvalidRecord is matched by every *ValidationError.
var ErrInvalidRecord = errors.New("invalid linked-data record")

// ValidationError reports a record that does not satisfy its schema.
type ValidationError struct {
	Type    string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s %d:%d: %s", e.Type, e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is makes errors.Is(err, ErrInvalidRecord) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRecord
}

// schema holds the compiled CUE definitions. A cue.Context is not safe
// for concurrent use, so every evaluation holds mu.
var schema struct {
	once sync.Once
	mu   sync.Mutex
	ctx  *cue.Context
	root cue.Value
	err  error
}

func loadSchema() error {
	schema.once.Do(func() {
		schema.ctx = cuecontext.New()
		schema.root = schema.ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
		schema.err = schema.root.Err()
	})
	return schema.err
}

// definitionFor picks the CUE definition that constrains records of typ.
func definitionFor(typ string) string {
	switch typ {
	case TypeWatchAction:
		return "#WatchAction"
	case TypeUpdateAction:
		return "#UpdateAction"
	case TypeCheckAction:
		return "#CheckAction"
	default:
		return "#Record"
	}
}

// Validate checks r against the schema for its @type.
func Validate(r Record) error {
	typ := r.Type()
	if typ == "" {
		return &ValidationError{Type: "record", Message: ErrMissingType.Error()}
	}

	data, err := MarshalCanonical(r)
	if err != nil {
		return &ValidationError{Type: typ, Message: err.Error()}
	}

	if err := loadSchema(); err != nil {
		return fmt.Errorf("compile record schema: %w", err)
	}

	schema.mu.Lock()
	defer schema.mu.Unlock()

	doc := schema.ctx.CompileBytes(data, cue.Filename("record.json"))
	if err := doc.Err(); err != nil {
		return formatCUEError(typ, err)
	}

	def := schema.root.LookupPath(cue.ParsePath(definitionFor(typ)))
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(typ, err)
	}
	return nil
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(typ string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Type: typ, Message: err.Error()}
	}

	first := errs[0]
	ve := &ValidationError{Type: typ, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
