// Package config loads the kcore machine configuration.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/kcore/internal/runtime/kernel"
	"github.com/orizon-lang/kcore/internal/runtime/vfs"
)

// SupportedVersions is the range of configuration file versions this build
// understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// PollInterval is how often Watch polls when OS notifications are
// unavailable.
var PollInterval = 2 * time.Second

// Config is the on-disk configuration.
type Config struct {
	Version  string `json:"version"`
	LogLevel string `json:"log_level"`

	Memory   MemoryConfig   `json:"memory"`
	CPU      CPUConfig      `json:"cpu"`
	VM       VMConfig       `json:"vm"`
	Proc     ProcConfig     `json:"proc"`
	Programs ProgramsConfig `json:"programs"`
	Debug    DebugConfig    `json:"debug"`
}

// MemoryConfig sizes physical memory, in bytes.
type MemoryConfig struct {
	Size        int `json:"size"`
	KernelImage int `json:"kernel_image"`
}

// CPUConfig sizes the processors.
type CPUConfig struct {
	Count      int `json:"count"`
	TLBEntries int `json:"tlb_entries"`
}

// VMConfig selects the virtual memory system.
type VMConfig struct {
	Mode       string `json:"mode"` // "paged" or "legacy"
	StackPages int    `json:"stack_pages"`
}

// ProcConfig bounds the process table.
type ProcConfig struct {
	MaxProcesses int `json:"max_processes"`
}

// ProgramsConfig lists the programs started at boot. Dir, when set, is a
// host directory holding program images; otherwise the built-in images
// are used.
type ProgramsConfig struct {
	Dir  string        `json:"dir,omitempty"`
	Boot []BootProgram `json:"boot"`
}

// BootProgram is one program started by the kernel at boot.
type BootProgram struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

// DebugConfig controls the diagnostics endpoint. An empty Listen disables
// it. Without CertFile and KeyFile a self-signed certificate for Hosts is
// generated at startup.
type DebugConfig struct {
	Listen   string   `json:"listen,omitempty"`
	Hosts    []string `json:"hosts,omitempty"`
	CertFile string   `json:"cert_file,omitempty"`
	KeyFile  string   `json:"key_file,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	kc := kernel.DefaultKernelConfig()
	return &Config{
		Version:  "1.0.0",
		LogLevel: "info",
		Memory: MemoryConfig{
			Size:        kc.MemorySize,
			KernelImage: kc.KernelImageSize,
		},
		CPU: CPUConfig{
			Count:      kc.NumCPUs,
			TLBEntries: kc.TLBSize,
		},
		VM: VMConfig{
			Mode:       kc.VMMode.String(),
			StackPages: kc.StackPages,
		},
		Proc: ProcConfig{
			MaxProcesses: kc.MaxProcesses,
		},
		Programs: ProgramsConfig{
			Boot: []BootProgram{{Path: "/bin/forktest"}},
		},
		Debug: DebugConfig{
			Hosts: []string{"localhost", "127.0.0.1"},
		},
	}
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the version and that the machine is bootable.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("version %q: %w", c.Version, err)
	}
	supported, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !supported.Check(v) {
		return fmt.Errorf("version %s is not in the supported range %s", v, SupportedVersions)
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	kc, err := c.KernelConfig()
	if err != nil {
		return err
	}
	if err := kc.Validate(); err != nil {
		return err
	}
	if (c.Debug.CertFile == "") != (c.Debug.KeyFile == "") {
		return errors.New("debug.cert_file and debug.key_file must be set together")
	}
	for i, p := range c.Programs.Boot {
		if p.Path == "" {
			return fmt.Errorf("boot program %d has no path", i)
		}
	}
	return nil
}

// KernelConfig converts the machine sections into a kernel configuration.
func (c *Config) KernelConfig() (*kernel.KernelConfig, error) {
	var mode kernel.VMMode
	switch strings.ToLower(c.VM.Mode) {
	case "", "paged":
		mode = kernel.VMPaged
	case "legacy", "dumbvm":
		mode = kernel.VMLegacy
	default:
		return nil, fmt.Errorf("unknown vm mode %q", c.VM.Mode)
	}
	return &kernel.KernelConfig{
		MemorySize:      c.Memory.Size,
		KernelImageSize: c.Memory.KernelImage,
		NumCPUs:         c.CPU.Count,
		TLBSize:         c.CPU.TLBEntries,
		VMMode:          mode,
		StackPages:      c.VM.StackPages,
		MaxProcesses:    c.Proc.MaxProcesses,
	}, nil
}

// Watch reloads the file at path whenever it changes and passes each valid
// configuration to onChange. Invalid files are logged and skipped. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	var w vfs.Watcher
	if fw, err := vfs.NewFSWatcher(); err == nil {
		// Editors replace files on save, so watch the directory.
		if err := fw.Add(filepath.Dir(abs)); err != nil {
			fw.Close()
			return fmt.Errorf("watch %s: %w", path, err)
		}
		w = fw
	} else {
		log.Warn("fsnotify unavailable, polling config file", "path", path, "err", err)
		pw := vfs.NewPollingWatcher(vfs.NewOS(""), PollInterval)
		if err := pw.Add(abs); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		w = pw
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.Errors():
			log.Warn("config watch error", "path", path, "err", err)
		case ev := <-w.Events():
			if filepath.Clean(ev.Path) != abs || ev.Op&(vfs.OpCreate|vfs.OpWrite) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload failed", "path", path, "err", err)
				continue
			}
			log.Info("config reloaded", "path", path, "log_level", cfg.LogLevel)
			onChange(cfg)
		}
	}
}
