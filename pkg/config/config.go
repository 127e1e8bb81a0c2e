package config

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/drone/envsubst"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/ferros-dev/bootdbg/pkg/debugger"
)

// Config describes one bootdbg session: where the target is, which images
// belong to which stage and how the debug stub is released.
type Config struct {
	RemoteEndpoint string        `yaml:"remote_endpoint"`
	Probe          ProbeConfig   `yaml:"probe"`
	Images         ImagesConfig  `yaml:"images"`
	Loader         StageConfig   `yaml:"loader"`
	Kernel         KernelConfig  `yaml:"kernel"`
	Attach         StageConfig   `yaml:"attach"`
	Unpause        UnpauseConfig `yaml:"unpause"`
	GDB            GDBConfig     `yaml:"gdb"`
}

// ProbeConfig points at the source line the debug stub spins on while it
// waits for the debugger.
type ProbeConfig struct {
	debugger.SourceLocation `yaml:",inline"`
	// Strict turns a base address that is not aligned to BaseAlignment into
	// an error instead of a warning.
	Strict        bool   `yaml:"strict"`
	BaseAlignment uint64 `yaml:"base_alignment"`
}

type ImagesConfig struct {
	// Debug carries the symbols of the debug stub and the loader.
	Debug string `yaml:"debug"`
	// Loader is the linked loader stage. Its section headers give the
	// link-time addresses the relocation offset is applied to.
	Loader string `yaml:"loader"`
	Kernel string `yaml:"kernel"`
}

type StageConfig struct {
	EntrySymbol string `yaml:"entry_symbol"`
}

type KernelConfig struct {
	EntrySymbol string `yaml:"entry_symbol"`
	// Relocate loads the kernel symbols with the session offset applied
	// instead of at their link-time addresses.
	Relocate bool `yaml:"relocate"`
}

// UnpauseConfig releases the stub: Expression is set to Value and the
// target steps Steps source lines to leave the wait loop.
type UnpauseConfig struct {
	Expression string `yaml:"expression"`
	Value      int64  `yaml:"value"`
	Steps      int    `yaml:"steps"`
}

type GDBConfig struct {
	Path         string   `yaml:"path"`
	Args         []string `yaml:"args"`
	Architecture string   `yaml:"architecture"`
	SourceDirs   []string `yaml:"source_dirs"`
}

func Default() Config {
	return Config{
		RemoteEndpoint: "localhost:1234",
		Probe: ProbeConfig{
			SourceLocation: debugger.SourceLocation{File: "gdb_stub.c", Line: 9},
			BaseAlignment:  0x1000,
		},
		Images: ImagesConfig{
			Debug:  "target/debug/debug.efi",
			Loader: "target/debug/main.so",
			Kernel: "target/debug/kernel.so",
		},
		Loader: StageConfig{EntrySymbol: "loader::run_kernel"},
		Kernel: KernelConfig{EntrySymbol: "kernel::kernel_entry"},
		Attach: StageConfig{EntrySymbol: "rust_main"},
		Unpause: UnpauseConfig{
			Expression: "*(int *)($rbp - 0x4)",
			Value:      0,
			Steps:      2,
		},
		GDB: GDBConfig{
			Path:         "gdb",
			Architecture: "i386:x86-64:intel",
			SourceDirs:   []string{"${RUST_SRC_PATH}"},
		},
	}
}

// Load returns the defaults overridden by the YAML file at path, if any.
// ${VAR} references in paths, the endpoint and gdb.source_dirs are expanded
// from the environment. Source dirs that expand to nothing are dropped.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := afero.ReadFile(fs, path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	}

	for _, v := range []*string{
		&cfg.RemoteEndpoint,
		&cfg.Images.Debug,
		&cfg.Images.Loader,
		&cfg.Images.Kernel,
		&cfg.GDB.Path,
	} {
		expanded, err := envsubst.EvalEnv(*v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "expand %s", *v)
		}
		*v = expanded
	}
	dirs := cfg.GDB.SourceDirs[:0:0]
	for _, d := range cfg.GDB.SourceDirs {
		expanded, err := envsubst.EvalEnv(d)
		if err != nil {
			return Config{}, errors.Wrapf(err, "expand %s", d)
		}
		if expanded != "" {
			dirs = append(dirs, expanded)
		}
	}
	cfg.GDB.SourceDirs = dirs
	return cfg, nil
}

func (cfg *Config) Validate() error {
	var errs *multierror.Error
	if _, _, err := net.SplitHostPort(cfg.RemoteEndpoint); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("remote_endpoint: %w", err))
	}
	if cfg.Probe.File == "" {
		errs = multierror.Append(errs, fmt.Errorf("probe.file is required"))
	}
	if cfg.Probe.Line <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("probe.line must be positive, got %d", cfg.Probe.Line))
	}
	if a := cfg.Probe.BaseAlignment; a&(a-1) != 0 {
		errs = multierror.Append(errs, fmt.Errorf("probe.base_alignment must be a power of two, got 0x%x", a))
	}
	for _, f := range []struct{ name, value string }{
		{"images.debug", cfg.Images.Debug},
		{"images.loader", cfg.Images.Loader},
		{"images.kernel", cfg.Images.Kernel},
		{"loader.entry_symbol", cfg.Loader.EntrySymbol},
		{"kernel.entry_symbol", cfg.Kernel.EntrySymbol},
		{"attach.entry_symbol", cfg.Attach.EntrySymbol},
		{"unpause.expression", cfg.Unpause.Expression},
		{"gdb.path", cfg.GDB.Path},
	} {
		if f.value == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s is required", f.name))
		}
	}
	if cfg.Unpause.Steps < 0 {
		errs = multierror.Append(errs, fmt.Errorf("unpause.steps must not be negative, got %d", cfg.Unpause.Steps))
	}
	return errs.ErrorOrNil()
}
