// Package actions executes device actions sent by the remote assistant.
//
// A device action is an EXECUTE request: a list of inputs, each carrying
// commands with one or more executions. [Router] runs every execution in
// order. The OnOff command drives a GPIO line directly; every other command
// is routed to a tool on a [ToolHost], either through an explicit mapping or
// by fuzzy name matching against the registered tool names.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/pushtalk/pkg/gpio"
)

// CommandOnOff is the built-in power command.
const CommandOnOff = "action.devices.commands.OnOff"

// commandPrefix is stripped before fuzzy matching.
const commandPrefix = "action.devices.commands."

// DefaultMatchThreshold is the minimum Jaro-Winkler similarity for a command
// to resolve to a tool by name.
const DefaultMatchThreshold = 0.85

var (
	// ErrUnknownCommand is returned for commands no handler or tool serves.
	ErrUnknownCommand = errors.New("actions: unknown command")

	// ErrMalformed is returned for payloads that are not EXECUTE requests.
	ErrMalformed = errors.New("actions: malformed device action")
)

// Request is the device action envelope.
type Request struct {
	RequestID string  `json:"requestId"`
	Inputs    []Input `json:"inputs"`
}

// Input is one intent of a request.
type Input struct {
	Intent  string  `json:"intent"`
	Payload Payload `json:"payload"`
}

// Payload holds the commands of an input.
type Payload struct {
	Commands []Command `json:"commands"`
}

// Command targets devices with a list of executions.
type Command struct {
	Devices   []Device    `json:"devices"`
	Execution []Execution `json:"execution"`
}

// Device identifies a command target.
type Device struct {
	ID string `json:"id"`
}

// Execution is a single command invocation.
type Execution struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// ToolCaller is the subset of [*ToolHost] the router needs.
type ToolCaller interface {
	Tools() []string
	CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

// Option configures a [Router].
type Option func(*Router)

// WithOnOff drives line for OnOff commands.
func WithOnOff(line gpio.Line) Option {
	return func(r *Router) { r.onoff = line }
}

// WithTools routes non-builtin commands to tools.
func WithTools(tc ToolCaller) Option {
	return func(r *Router) { r.tools = tc }
}

// WithCommandMap pins command names to tool names. Mapped commands skip
// fuzzy matching.
func WithCommandMap(m map[string]string) Option {
	return func(r *Router) {
		for k, v := range m {
			r.commands[k] = v
		}
	}
}

// WithMatchThreshold overrides [DefaultMatchThreshold].
func WithMatchThreshold(t float64) Option {
	return func(r *Router) {
		if t > 0 && t <= 1 {
			r.threshold = t
		}
	}
}

// Router dispatches device actions. It implements duplex.ActionHandler.
type Router struct {
	onoff     gpio.Line
	tools     ToolCaller
	commands  map[string]string
	threshold float64
}

// NewRouter returns a Router.
func NewRouter(opts ...Option) *Router {
	r := &Router{commands: make(map[string]string), threshold: DefaultMatchThreshold}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HandleAction decodes raw and runs every execution. Failures of single
// executions do not stop the others; they are joined into the result.
func (r *Router) HandleAction(ctx context.Context, raw json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(req.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrMalformed)
	}

	var errs []error
	for _, in := range req.Inputs {
		for _, cmd := range in.Payload.Commands {
			for _, ex := range cmd.Execution {
				if err := r.execute(ctx, ex); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Router) execute(ctx context.Context, ex Execution) error {
	log := slog.With("command", ex.Command)
	if ex.Command == CommandOnOff && r.onoff != nil {
		var p struct {
			On bool `json:"on"`
		}
		if len(ex.Params) > 0 {
			if err := json.Unmarshal(ex.Params, &p); err != nil {
				return fmt.Errorf("actions: %s params: %w", ex.Command, err)
			}
		}
		log.Info("actions: switching output", "on", p.On)
		if err := r.onoff.SetEnabled(p.On); err != nil {
			return fmt.Errorf("actions: %s: %w", ex.Command, err)
		}
		return nil
	}

	if r.tools == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, ex.Command)
	}
	tool, ok := r.commands[ex.Command]
	if !ok {
		tool, ok = Resolve(ex.Command, r.tools.Tools(), r.threshold)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, ex.Command)
	}

	args, err := argsFromJSON(ex.Params)
	if err != nil {
		return err
	}
	res, err := r.tools.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}
	if res.IsError {
		return fmt.Errorf("actions: tool %q failed: %s", tool, res.Content)
	}
	log.Info("actions: tool executed", "tool", tool, "result", res.Content)
	return nil
}

// Resolve returns the tool whose name is most similar to command, when the
// similarity reaches threshold. Names are compared token-wise after
// splitting camel case, dots, underscores and dashes.
func Resolve(command string, tools []string, threshold float64) (string, bool) {
	in := tokens(strings.TrimPrefix(command, commandPrefix))
	if len(in) == 0 {
		return "", false
	}
	inFull := strings.Join(in, "")

	best, bestScore := "", 0.0
	for _, name := range tools {
		tk := tokens(name)
		if len(tk) == 0 {
			continue
		}
		score := matchr.JaroWinkler(inFull, strings.Join(tk, ""), false)
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	if bestScore < threshold {
		return "", false
	}
	return best, true
}

// tokens lower-cases s and splits it into words.
func tokens(s string) []string {
	var (
		out []string
		cur []rune
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	prev := rune(0)
	for _, c := range s {
		switch {
		case c == '.' || c == '_' || c == '-' || unicode.IsSpace(c):
			flush()
		case unicode.IsUpper(c) && prev != 0 && unicode.IsLower(prev):
			flush()
			cur = append(cur, unicode.ToLower(c))
		default:
			cur = append(cur, unicode.ToLower(c))
		}
		prev = c
	}
	flush()
	return out
}
