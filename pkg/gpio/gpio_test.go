package gpio_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pushtalk/pkg/gpio"
)

// fakeSysfs creates a sysfs-like tree with an already exported pin.
func fakeSysfs(t *testing.T, pin string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "gpio"+pin), 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func readValue(t *testing.T, root, pin string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, "gpio"+pin, "value"))
	if err != nil {
		t.Fatalf("read value: %v", err)
	}
	return string(b)
}

func TestSysfsLine_DrivesValue(t *testing.T) {
	t.Parallel()
	root := fakeSysfs(t, "17")
	l, err := gpio.OpenSysfsLine(17, gpio.WithSysfsRoot(root))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := readValue(t, root, "17"); got != "0" {
		t.Fatalf("expected line inactive after open, got %q", got)
	}
	dir, _ := os.ReadFile(filepath.Join(root, "gpio17", "direction"))
	if string(dir) != "out" {
		t.Errorf("expected direction out, got %q", dir)
	}
	if err := l.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if got := readValue(t, root, "17"); got != "1" {
		t.Errorf("expected 1, got %q", got)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := readValue(t, root, "17"); got != "0" {
		t.Errorf("expected 0 after close, got %q", got)
	}
}

func TestSysfsLine_ActiveLow(t *testing.T) {
	t.Parallel()
	root := fakeSysfs(t, "4")
	l, err := gpio.OpenSysfsLine(4, gpio.WithSysfsRoot(root), gpio.WithActiveLow(true))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := readValue(t, root, "4"); got != "1" {
		t.Fatalf("expected active-low inactive level 1, got %q", got)
	}
	_ = l.SetEnabled(true)
	if got := readValue(t, root, "4"); got != "0" {
		t.Errorf("expected 0, got %q", got)
	}
}

func TestSysfsLine_MissingPinIsIOError(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	_, err := gpio.OpenSysfsLine(99, gpio.WithSysfsRoot(root))
	if !errors.Is(err, gpio.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestCommandLine_SubstitutesValue(t *testing.T) {
	t.Parallel()
	var got []string
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		got = append(got, name+" "+strings.Join(args, " "))
		return nil, nil
	}
	l, err := gpio.NewCommandLine([]string{"gpioset", "gpiochip0", "17={value}"}, gpio.WithRunner(runner))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = l.SetEnabled(true)
	_ = l.SetEnabled(false)
	want := []string{"gpioset gpiochip0 17=1", "gpioset gpiochip0 17=0"}
	if len(got) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("run %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestCommandLine_FailureWrapsErrIO(t *testing.T) {
	t.Parallel()
	runner := func(context.Context, string, ...string) ([]byte, error) {
		return []byte("chip busy\n"), errors.New("exit status 1")
	}
	l, _ := gpio.NewCommandLine([]string{"gpioset", "{value}"}, gpio.WithRunner(runner))
	err := l.SetEnabled(true)
	if !errors.Is(err, gpio.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if !strings.Contains(err.Error(), "chip busy") {
		t.Errorf("expected helper output in error, got %q", err)
	}
}

func TestNewCommandLine_EmptyArgv(t *testing.T) {
	t.Parallel()
	if _, err := gpio.NewCommandLine(nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestReaderButton_Toggles(t *testing.T) {
	t.Parallel()
	b := gpio.NewReaderButton(strings.NewReader("\n\n\n"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	var got []bool
	for ev := range b.Events() {
		got = append(got, ev)
	}
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestSysfsButton_ReportsChanges(t *testing.T) {
	t.Parallel()
	root := fakeSysfs(t, "5")
	value := filepath.Join(root, "gpio5", "value")
	if err := os.WriteFile(value, []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := gpio.OpenSysfsButton(5, 5*time.Millisecond, gpio.WithSysfsRoot(root))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	_ = os.WriteFile(value, []byte("1\n"), 0o644)
	select {
	case ev := <-b.Events():
		if !ev {
			t.Fatal("expected press")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for press")
	}

	_ = os.WriteFile(value, []byte("0\n"), 0o644)
	select {
	case ev := <-b.Events():
		if ev {
			t.Fatal("expected release")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for release")
	}
}
