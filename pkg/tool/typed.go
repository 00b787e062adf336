package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hanzoai/mcp/pkg/protocol"
)

// Config names a typed handler.
type Config struct {
	// Name is the unique identifier for this tool (required).
	Name string

	// Description explains what the tool does (required).
	Description string

	// Category tags the tool; see the Category constants.
	Category string
}

// New builds a Handler from a typed function.
//
// The function signature is
//
//	func(ctx context.Context, inv *Invocation, args Args) (*Result, error)
//
// where Args is a struct whose json and jsonschema tags define the
// parameters. The generated schema lands in the descriptor, so the
// dispatcher rejects calls that do not conform before the function runs;
// the decode here is a second, typed line of defense.
func New[Args any](cfg Config, fn func(context.Context, *Invocation, Args) (*Result, error)) (Handler, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	return &typedHandler[Args]{
		cfg:    cfg,
		fn:     fn,
		schema: schema,
	}, nil
}

// NewWithValidation builds a typed Handler with an extra argument check
// run after decode and before the function. Use it for constraints struct
// tags cannot express; return a protocol failure to control the client-
// visible kind, or any error to surface InvalidArguments.
func NewWithValidation[Args any](
	cfg Config,
	fn func(context.Context, *Invocation, Args) (*Result, error),
	validate func(Args) error,
) (Handler, error) {
	base, err := New(cfg, fn)
	if err != nil {
		return nil, err
	}

	return &validatedHandler[Args]{
		typedHandler: base.(*typedHandler[Args]),
		validate:     validate,
	}, nil
}

// typedHandler implements Handler by wrapping a typed function.
type typedHandler[Args any] struct {
	cfg    Config
	fn     func(context.Context, *Invocation, Args) (*Result, error)
	schema map[string]interface{}
}

func (h *typedHandler[Args]) Descriptor() Descriptor {
	return Descriptor{
		Name:        h.cfg.Name,
		Description: h.cfg.Description,
		InputSchema: h.schema,
		Category:    h.cfg.Category,
	}
}

func (h *typedHandler[Args]) Call(ctx context.Context, inv *Invocation) (*Result, error) {
	var args Args
	if err := decodeArgs(inv.Args, &args); err != nil {
		return nil, protocol.Failf(protocol.KindInvalidArguments,
			"invalid arguments for %s: %v", h.cfg.Name, err)
	}
	return h.fn(ctx, inv, args)
}

// validatedHandler runs a custom check between decode and execution.
type validatedHandler[Args any] struct {
	*typedHandler[Args]
	validate func(Args) error
}

func (h *validatedHandler[Args]) Call(ctx context.Context, inv *Invocation) (*Result, error) {
	var args Args
	if err := decodeArgs(inv.Args, &args); err != nil {
		return nil, protocol.Failf(protocol.KindInvalidArguments,
			"invalid arguments for %s: %v", h.cfg.Name, err)
	}

	if err := h.validate(args); err != nil {
		if _, ok := protocol.AsFailure(err); ok {
			return nil, err
		}
		return nil, protocol.Failf(protocol.KindInvalidArguments,
			"invalid arguments for %s: %v", h.cfg.Name, err)
	}

	return h.fn(ctx, inv, args)
}

func validateConfig(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return fmt.Errorf("tool description is required")
	}
	return nil
}

// decodeArgs converts the validated argument map into the typed struct.
// The JSON round trip applies the same coercions the wire decode applies,
// so a struct field sees exactly what the schema validated.
func decodeArgs(m map[string]interface{}, target interface{}) error {
	if m == nil {
		return nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal args: %w", err)
	}

	return nil
}

// Verify interface compliance at compile time
var _ Handler = (*typedHandler[struct{}])(nil)
var _ Handler = (*validatedHandler[struct{}])(nil)
