// Package dispatcher routes JSON-RPC requests to their method handlers and
// drives tool invocations through the worker pool.
//
// The transport hands every decoded request to Handle on its own goroutine;
// the dispatcher enforces the protocol rules that are independent of
// framing: envelope version, method routing, argument validation against
// the registered schema, per-invocation deadlines, the concurrency cap,
// cancellation by request id, and the one-terminal-response guarantee.
// Tool handlers run with a context that expires on client cancel, deadline,
// or server shutdown; whatever they return is classified into the failure
// taxonomy before it reaches the wire.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/logger"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/registry"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

// OutcomeSuccess is the Record outcome for invocations that returned a
// result. Failures record their protocol kind instead.
const OutcomeSuccess = "success"

// Record summarizes one finished tool invocation for the session log and
// metrics. Argument and output bodies never appear here, only sizes,
// outcome kinds, and cursor lineage.
type Record struct {
	InvocationID string
	Tool         string
	ArgsDigest   string
	Outcome      string
	Duration     time.Duration
	BytesOut     int
	TokensOut    int
	NextCursor   string
}

// Recorder receives a Record for every terminal tool invocation.
type Recorder interface {
	RecordInvocation(rec Record)
}

// Writable is the transport back-pressure hook. WaitWritable blocks while
// the write queue sits above its high-water mark; the dispatcher holds new
// tools/call work behind it while other methods proceed.
type Writable interface {
	WaitWritable(ctx context.Context) error
}

// Options wire the dispatcher's collaborators. Registry, Cursors, and
// Budgeter are required; the rest default or stay optional.
type Options struct {
	Registry *registry.ToolRegistry
	Cursors  *cursor.Store
	Budgeter *tokens.Budgeter

	// MaxConcurrent bounds concurrently executing invocations. Requests
	// beyond the bound queue; they are never dropped. Zero means 64.
	MaxConcurrent int

	// DefaultDeadline bounds an invocation when the client sends no
	// deadline_ms. Zero means 10 minutes.
	DefaultDeadline time.Duration

	// SSEMode adds the sse capability flag to initialize results.
	SSEMode bool

	// Writable, when set, gates tools/call intake on transport capacity.
	Writable Writable

	// Recorder, when set, observes every terminal invocation.
	Recorder Recorder

	// OnShutdown runs once when a client asks the server to stop.
	OnShutdown func()
}

// Dispatcher implements the transport ingress. Safe for concurrent use;
// the transport calls Handle from one goroutine per request.
type Dispatcher struct {
	reg      *registry.ToolRegistry
	cursors  *cursor.Store
	budgeter *tokens.Budgeter

	defaultDeadline time.Duration
	sem             *semaphore.Weighted
	sseMode         bool

	// schemas holds the validator compiled from each descriptor's input
	// schema, frozen alongside the sealed registry.
	schemas map[string]*jsonschema.Schema

	writable   Writable
	recorder   Recorder
	onShutdown func()
	stopOnce   sync.Once

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc

	logger *slog.Logger
}

// New builds a dispatcher over a sealed registry, compiling every
// descriptor's input schema. A schema that does not compile is a startup
// error naming the tool.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("dispatcher requires a tool registry")
	}
	if !opts.Registry.Sealed() {
		return nil, fmt.Errorf("registry must be sealed before dispatch")
	}
	if opts.Cursors == nil {
		return nil, fmt.Errorf("dispatcher requires a cursor store")
	}
	if opts.Budgeter == nil {
		return nil, fmt.Errorf("dispatcher requires a budgeter")
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	defaultDeadline := opts.DefaultDeadline
	if defaultDeadline <= 0 {
		defaultDeadline = 10 * time.Minute
	}

	schemas := make(map[string]*jsonschema.Schema)
	for _, desc := range opts.Registry.List() {
		sch, err := compileSchema(desc.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: compile input schema: %w", desc.Name, err)
		}
		schemas[desc.Name] = sch
	}

	return &Dispatcher{
		reg:             opts.Registry,
		cursors:         opts.Cursors,
		budgeter:        opts.Budgeter,
		defaultDeadline: defaultDeadline,
		sem:             semaphore.NewWeighted(int64(maxConcurrent)),
		sseMode:         opts.SSEMode,
		schemas:         schemas,
		writable:        opts.Writable,
		recorder:        opts.Recorder,
		onShutdown:      opts.OnShutdown,
		inFlight:        make(map[string]context.CancelFunc),
		logger:          logger.Component("dispatcher"),
	}, nil
}

// compileSchema turns a descriptor's schema map into a validator. The JSON
// round trip normalizes the document into what the compiler expects.
func compileSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// Handle processes one decoded request and returns its terminal response,
// or nil for notifications. Exactly one response is produced per request
// id; everything a handler throws is converted to the failure taxonomy
// here, never re-raised to the transport.
func (d *Dispatcher) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	if req.JSONRPC != protocol.Version {
		if req.IsNotification() {
			d.logger.Debug("Dropping notification with an unsupported version",
				"version", req.JSONRPC, "method", req.Method)
			return nil
		}
		return protocol.NewErrorResponse(req.ID, protocol.InvalidRequest,
			fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC))
	}

	// Cancel and shutdown act even without an id.
	switch req.Method {
	case protocol.MethodCancel:
		d.handleCancel(req)
		return nil
	case protocol.MethodShutdown:
		return d.handleShutdown(req)
	}

	if req.IsNotification() {
		d.logger.Debug("Dropping notification for a request-only method", "method", req.Method)
		return nil
	}

	switch req.Method {
	case protocol.MethodInitialize:
		return d.handleInitialize(req)
	case protocol.MethodPing:
		return protocol.NewResponse(req.ID, struct{}{})
	case protocol.MethodToolsList:
		return d.handleToolsList(req)
	case protocol.MethodToolsCall:
		return d.handleToolsCall(ctx, req)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.MethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (d *Dispatcher) handleInitialize(req *protocol.Request) *protocol.Response {
	var params protocol.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.InvalidParams,
				fmt.Sprintf("malformed initialize params: %v", err))
		}
	}

	if params.ClientInfo != nil {
		d.logger.Info("Client initialized",
			"client", params.ClientInfo.Name,
			"client_version", params.ClientInfo.Version)
	}

	caps := map[string]json.RawMessage{
		"tools":        json.RawMessage("{}"),
		"cursors":      json.RawMessage("{}"),
		"cancellation": json.RawMessage("{}"),
	}
	if d.sseMode {
		caps["sse"] = json.RawMessage("{}")
	}

	return protocol.NewResponse(req.ID, protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerInfo: protocol.PeerInfo{
			Name:    protocol.ServerName,
			Version: protocol.ServerVersion,
		},
		Capabilities: caps,
	})
}

func (d *Dispatcher) handleToolsList(req *protocol.Request) *protocol.Response {
	descs := d.reg.List()
	infos := make([]protocol.ToolInfo, 0, len(descs))
	for _, desc := range descs {
		infos = append(infos, desc.Info())
	}
	return protocol.NewResponse(req.ID, protocol.ToolsListResult{Tools: infos})
}

func (d *Dispatcher) handleShutdown(req *protocol.Request) *protocol.Response {
	d.logger.Info("Shutdown requested by client")
	d.stopOnce.Do(func() {
		if d.onShutdown != nil {
			d.onShutdown()
		}
	})
	if req.IsNotification() {
		return nil
	}
	return protocol.NewResponse(req.ID, struct{}{})
}

func (d *Dispatcher) handleCancel(req *protocol.Request) {
	var params protocol.CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == nil {
		d.logger.Debug("Ignoring malformed $/cancel notification", "error", err)
		return
	}

	key := requestKey(params.ID)
	d.mu.Lock()
	cancel, ok := d.inFlight[key]
	d.mu.Unlock()

	if !ok {
		// Already finished, or never existed. Either way there is nothing
		// to cancel and no response to produce.
		d.logger.Debug("Cancel for a request not in flight", "request_id", key)
		return
	}
	d.logger.Info("Cancelling request", "request_id", key)
	cancel()
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params protocol.CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.InvalidParams,
			fmt.Sprintf("malformed tools/call params: %v", err))
	}
	if params.Name == "" {
		return protocol.NewErrorResponse(req.ID, protocol.InvalidParams,
			"tools/call requires a tool name")
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	handler, ok := d.reg.Resolve(params.Name)
	if !ok {
		return d.failureResponse(req.ID,
			protocol.Failf(protocol.KindNotFound, "unknown tool %q", params.Name))
	}

	if err := d.validateArgs(params.Name, params.Arguments); err != nil {
		return d.failureResponse(req.ID, err)
	}

	inv := &tool.Invocation{
		ID:         uuid.New().String(),
		Tool:       params.Name,
		Args:       params.Arguments,
		ArgsDigest: cursor.Digest(params.Name, params.Arguments, d.budgeter.Encoding()),
	}

	deadline := d.defaultDeadline
	if params.DeadlineMS > 0 {
		deadline = time.Duration(params.DeadlineMS) * time.Millisecond
	}
	invCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	key := requestKey(req.ID)
	d.registerCancel(key, cancel)
	defer d.releaseCancel(key)

	d.logger.Debug("Dispatching tool call",
		"tool", params.Name, "invocation_id", inv.ID, "request_id", key)

	// Back-pressure and the worker cap apply to tools/call only; both
	// waits respect cancellation, so a queued request still honors
	// $/cancel and its deadline.
	if d.writable != nil {
		if err := d.writable.WaitWritable(invCtx); err != nil {
			return d.finish(req.ID, inv, time.Now(), nil,
				protocol.Failf(protocol.KindCancelled,
					"invocation %s cancelled while waiting for transport capacity", inv.ID))
		}
	}
	if err := d.sem.Acquire(invCtx, 1); err != nil {
		return d.finish(req.ID, inv, time.Now(), nil,
			protocol.Failf(protocol.KindCancelled,
				"invocation %s cancelled before execution started", inv.ID))
	}
	defer d.sem.Release(1)

	// Redeem as late as possible: tokens are single use, and a request
	// cancelled in the queue should not burn its cursor.
	if params.Cursor != "" {
		st, err := d.cursors.Redeem(params.Cursor, inv.ArgsDigest)
		if err != nil {
			return d.finish(req.ID, inv, time.Now(), nil, d.classify(invCtx, inv, err))
		}
		inv.Cursor = &st
	}

	started := time.Now()
	res, err := d.runHandler(invCtx, handler, inv)
	if err != nil {
		return d.finish(req.ID, inv, started, nil, d.classify(invCtx, inv, err))
	}
	return d.finish(req.ID, inv, started, res, nil)
}

// runHandler executes the tool with panic containment. A panicking handler
// produces an Internal failure whose correlation id is the invocation id
// already attached to the logged stack.
func (d *Dispatcher) runHandler(ctx context.Context, h tool.Handler, inv *tool.Invocation) (res *tool.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Tool handler panicked",
				"tool", inv.Tool,
				"invocation_id", inv.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			res = nil
			err = protocol.Failf(protocol.KindInternal,
				"internal error; correlation id %s", inv.ID)
		}
	}()

	res, err = h.Call(ctx, inv)
	if res == nil && err == nil {
		d.logger.Error("Tool returned neither result nor error",
			"tool", inv.Tool, "invocation_id", inv.ID)
		err = protocol.Failf(protocol.KindInternal,
			"internal error; correlation id %s", inv.ID)
	}
	return res, err
}

// classify maps a handler error onto the failure taxonomy. Cancellation
// outranks whatever the handler was in the middle of reporting: once the
// invocation context is dead the client asked for (or caused) the abort,
// and the terminal response says so.
func (d *Dispatcher) classify(ctx context.Context, inv *tool.Invocation, err error) *protocol.Failure {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return protocol.Failf(protocol.KindCancelled, "invocation %s cancelled", inv.ID)
	}
	if f, ok := protocol.AsFailure(err); ok {
		return f
	}
	d.logger.Error("Tool failed with an unclassified error",
		"tool", inv.Tool, "invocation_id", inv.ID, "error", err)
	return protocol.Failf(protocol.KindInternal,
		"internal error; correlation id %s", inv.ID)
}

// finish emits the terminal response for a tools/call and feeds the
// recorder. Exactly one of res and fail is set.
func (d *Dispatcher) finish(id interface{}, inv *tool.Invocation, started time.Time, res *tool.Result, fail *protocol.Failure) *protocol.Response {
	duration := time.Since(started)

	if fail != nil {
		d.logger.Info("Invocation failed",
			"tool", inv.Tool,
			"invocation_id", inv.ID,
			"outcome", string(fail.Kind),
			"duration_ms", duration.Milliseconds())
		d.record(inv, string(fail.Kind), duration, nil)
		return &protocol.Response{JSONRPC: protocol.Version, ID: id, Error: fail.RPCError()}
	}

	result := protocol.CallResult{Content: res.Content, NextCursor: res.NextCursor}
	d.logger.Info("Invocation finished",
		"tool", inv.Tool,
		"invocation_id", inv.ID,
		"outcome", OutcomeSuccess,
		"duration_ms", duration.Milliseconds(),
		"chunks", len(result.Content),
		"continued", result.NextCursor != "")
	d.record(inv, OutcomeSuccess, duration, &result)
	return protocol.NewResponse(id, result)
}

func (d *Dispatcher) record(inv *tool.Invocation, outcome string, duration time.Duration, result *protocol.CallResult) {
	if d.recorder == nil {
		return
	}

	rec := Record{
		InvocationID: inv.ID,
		Tool:         inv.Tool,
		ArgsDigest:   inv.ArgsDigest,
		Outcome:      outcome,
		Duration:     duration,
	}
	if result != nil {
		rec.NextCursor = result.NextCursor
		if raw, err := json.Marshal(result); err == nil {
			rec.BytesOut = len(raw)
			rec.TokensOut = d.budgeter.Count(string(raw))
		}
	}
	d.recorder.RecordInvocation(rec)
}

// validateArgs checks the argument map against the tool's compiled schema.
func (d *Dispatcher) validateArgs(name string, args map[string]interface{}) error {
	sch, ok := d.schemas[name]
	if !ok || sch == nil {
		return nil
	}
	if err := sch.Validate(args); err != nil {
		return schemaFailure(name, err)
	}
	return nil
}

// schemaFailure converts a validation error into an InvalidArguments
// failure naming the offending field path.
func schemaFailure(name string, err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return protocol.Failf(protocol.KindInvalidArguments,
			"invalid arguments for %s: %v", name, err)
	}

	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	path := "/" + strings.Join(leaf.InstanceLocation, "/")
	detail := strings.Join(strings.Fields(ve.Error()), " ")
	return protocol.Failf(protocol.KindInvalidArguments,
		"invalid arguments for %s at %s: %s", name, path, detail)
}

// CancelAll cancels every in-flight invocation. The server calls it when
// graceful shutdown begins so handlers observe cancellation promptly.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.inFlight))
	for _, cancel := range d.inFlight {
		cancels = append(cancels, cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// InFlight returns the number of tools/call requests between intake and
// terminal response.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) failureResponse(id interface{}, err error) *protocol.Response {
	f, ok := protocol.AsFailure(err)
	if !ok {
		f = protocol.Failf(protocol.KindInternal, "%v", err)
	}
	return &protocol.Response{JSONRPC: protocol.Version, ID: id, Error: f.RPCError()}
}

func (d *Dispatcher) registerCancel(key string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.inFlight[key] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) releaseCancel(key string) {
	d.mu.Lock()
	delete(d.inFlight, key)
	d.mu.Unlock()
}

// requestKey normalizes a JSON-RPC id for map keying. JSON numbers decode
// as float64, so a wire id of 7 and a cancel naming 7 produce the same key
// whatever Go type each decoded into.
func requestKey(id interface{}) string {
	return fmt.Sprintf("%v", id)
}
