package actions_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/pushtalk/internal/actions"
	gpiomock "github.com/MrWong99/pushtalk/pkg/gpio/mock"
)

func execute(commands ...string) json.RawMessage {
	type exec struct {
		Command string          `json:"command"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	var ex []exec
	for i := 0; i+1 < len(commands); i += 2 {
		ex = append(ex, exec{Command: commands[i], Params: json.RawMessage(commands[i+1])})
	}
	b, err := json.Marshal(map[string]any{
		"requestId": "req-1",
		"inputs": []any{map[string]any{
			"intent": "action.devices.EXECUTE",
			"payload": map[string]any{
				"commands": []any{map[string]any{
					"devices":   []any{map[string]any{"id": "dev-1"}},
					"execution": ex,
				}},
			},
		}},
	})
	if err != nil {
		panic(err)
	}
	return b
}

type call struct {
	name string
	args map[string]any
}

func newHost(t *testing.T, names ...string) (*actions.ToolHost, *[]call) {
	t.Helper()
	h := actions.NewToolHost()
	var (
		mu    sync.Mutex
		calls []call
	)
	for _, name := range names {
		err := h.RegisterBuiltin(name, func(_ context.Context, args map[string]any) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, call{name: name, args: args})
			if name == "broken_tool" {
				return "", errors.New("relay stuck")
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("RegisterBuiltin: %v", err)
		}
	}
	t.Cleanup(func() { _ = h.Close() })
	return h, &calls
}

func TestRouter_OnOffDrivesLine(t *testing.T) {
	t.Parallel()
	line := &gpiomock.Line{}
	r := actions.NewRouter(actions.WithOnOff(line))

	if err := r.HandleAction(context.Background(), execute(actions.CommandOnOff, `{"on":true}`)); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if err := r.HandleAction(context.Background(), execute(actions.CommandOnOff, `{"on":false}`)); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	calls := line.Calls()
	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Errorf("line calls = %v, want [true false]", calls)
	}
}

func TestRouter_OnOffLineError(t *testing.T) {
	t.Parallel()
	line := &gpiomock.Line{Err: errors.New("gpio busy")}
	r := actions.NewRouter(actions.WithOnOff(line))

	err := r.HandleAction(context.Background(), execute(actions.CommandOnOff, `{"on":true}`))
	if err == nil {
		t.Fatal("expected the line error")
	}
}

func TestRouter_RoutesToTools(t *testing.T) {
	t.Parallel()
	host, calls := newHost(t, "set_brightness", "start_timer", "broken_tool")
	r := actions.NewRouter(
		actions.WithTools(host),
		actions.WithCommandMap(map[string]string{"com.example.commands.Blink": "start_timer"}),
	)

	err := r.HandleAction(context.Background(), execute(
		"action.devices.commands.SetBrightness", `{"brightness":40}`,
		"com.example.commands.Blink", `{}`,
	))
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("tool calls = %+v", *calls)
	}
	if c := (*calls)[0]; c.name != "set_brightness" || c.args["brightness"] != float64(40) {
		t.Errorf("first call = %+v", c)
	}
	if (*calls)[1].name != "start_timer" {
		t.Errorf("mapped command called %q", (*calls)[1].name)
	}
}

func TestRouter_AggregatesFailures(t *testing.T) {
	t.Parallel()
	host, calls := newHost(t, "broken_tool", "lock_door")
	r := actions.NewRouter(actions.WithTools(host))

	err := r.HandleAction(context.Background(), execute(
		"action.devices.commands.BrokenTool", `{}`,
		"action.devices.commands.Dance", `{}`,
		"action.devices.commands.LockDoor", `{}`,
	))
	if err == nil {
		t.Fatal("expected joined errors")
	}
	if !errors.Is(err, actions.ErrUnknownCommand) {
		t.Errorf("error %v does not report the unknown command", err)
	}
	if len(*calls) != 2 {
		t.Errorf("executions after a failure must still run, calls = %+v", *calls)
	}
}

func TestRouter_Malformed(t *testing.T) {
	t.Parallel()
	r := actions.NewRouter()
	for _, raw := range []string{`not json`, `{}`, `{"inputs":[]}`} {
		if err := r.HandleAction(context.Background(), json.RawMessage(raw)); !errors.Is(err, actions.ErrMalformed) {
			t.Errorf("HandleAction(%s) = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	tools := []string{"set_volume", "set_brightness", "open_garage"}
	tests := []struct {
		command string
		want    string
		ok      bool
	}{
		{"action.devices.commands.SetBrightness", "set_brightness", true},
		{"action.devices.commands.OpenGarage", "open_garage", true},
		{"SetVolume", "set_volume", true},
		{"action.devices.commands.ThermostatMode", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := actions.Resolve(tc.command, tools, actions.DefaultMatchThreshold)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", tc.command, got, ok, tc.want, tc.ok)
		}
	}
}

func TestToolHost_Registry(t *testing.T) {
	t.Parallel()
	h, _ := newHost(t, "b_tool", "a_tool")

	if got := h.Tools(); len(got) != 2 || got[0] != "a_tool" || got[1] != "b_tool" {
		t.Errorf("Tools() = %v", got)
	}
	if err := h.RegisterBuiltin("", func(context.Context, map[string]any) (string, error) { return "", nil }); err == nil {
		t.Error("empty name must be rejected")
	}
	if err := h.RegisterBuiltin("x", nil); err == nil {
		t.Error("nil handler must be rejected")
	}
	if _, err := h.CallTool(context.Background(), "missing", nil); err == nil {
		t.Error("unknown tool must fail")
	}
	err := h.RegisterServer(context.Background(), actions.ServerConfig{Name: "srv", Transport: "carrier-pigeon"})
	if err == nil {
		t.Error("unknown transport must be rejected")
	}
	err = h.RegisterServer(context.Background(), actions.ServerConfig{Name: "srv", Transport: actions.TransportStdio})
	if err == nil {
		t.Error("stdio without command must be rejected")
	}
}
