package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orizon-lang/kcore/internal/runtime/kernel"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	kc, err := cfg.KernelConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *kc != *kernel.DefaultKernelConfig() {
		t.Fatalf("kernel config %+v differs from defaults", kc)
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcore.json")
	data := `{
		"version": "1.2.0",
		"log_level": "debug",
		"vm": {"mode": "legacy"},
		"cpu": {"count": 4},
		"programs": {"boot": [{"path": "/bin/hello", "args": ["hello", "x"]}]}
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	kc, _ := cfg.KernelConfig()
	if kc.VMMode != kernel.VMLegacy || kc.NumCPUs != 4 {
		t.Fatalf("kernel config = %+v", kc)
	}
	if kc.MemorySize != kernel.DefaultKernelConfig().MemorySize {
		t.Fatalf("unset memory size not defaulted: %d", kc.MemorySize)
	}
	if len(cfg.Programs.Boot) != 1 || cfg.Programs.Boot[0].Args[1] != "x" {
		t.Fatalf("boot = %+v", cfg.Programs.Boot)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unsupported version", func(c *Config) { c.Version = "2.0.0" }, "supported range"},
		{"bad version", func(c *Config) { c.Version = "one" }, "version"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"bad vm mode", func(c *Config) { c.VM.Mode = "segmented" }, "vm mode"},
		{"no cpus", func(c *Config) { c.CPU.Count = 0 }, "cpu"},
		{"odd memory", func(c *Config) { c.Memory.Size = 4097 }, "memory size"},
		{"boot without path", func(c *Config) { c.Programs.Boot = []BootProgram{{}} }, "no path"},
		{"cert without key", func(c *Config) { c.Debug.CertFile = "cert.pem" }, "together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveLoadKeepsDumbvmAlias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcore.json")
	c := Default()
	c.VM.Mode = "dumbvm"
	if err := c.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	kc, _ := got.KernelConfig()
	if kc.VMMode != kernel.VMLegacy {
		t.Fatalf("mode = %v", kc.VMMode)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kcore.json")
	if err := Default().Save(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, log, func(c *Config) {
			select {
			case got <- c.LogLevel:
			default:
			}
		})
	}()

	// Give the watcher time to register before changing the file.
	time.Sleep(200 * time.Millisecond)
	c := Default()
	c.LogLevel = "debug"
	if err := c.Save(path); err != nil {
		t.Fatal(err)
	}

	select {
	case lvl := <-got:
		if lvl != "debug" {
			t.Fatalf("reloaded log level %q", lvl)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for reload")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
