package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/ferros-dev/bootdbg/pkg/debugger"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "localhost:1234", cfg.RemoteEndpoint)
	require.Equal(t, debugger.SourceLocation{File: "gdb_stub.c", Line: 9}, cfg.Probe.SourceLocation)
	require.Equal(t, "target/debug/debug.efi", cfg.Images.Debug)
	require.Equal(t, "target/debug/main.so", cfg.Images.Loader)
	require.Equal(t, "target/debug/kernel.so", cfg.Images.Kernel)
	require.Equal(t, "loader::run_kernel", cfg.Loader.EntrySymbol)
	require.Equal(t, "kernel::kernel_entry", cfg.Kernel.EntrySymbol)
	require.Equal(t, "rust_main", cfg.Attach.EntrySymbol)
	require.Equal(t, 2, cfg.Unpause.Steps)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("RUST_SRC_PATH", "/opt/rust/src")
	cfg, err := Load(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.Equal(t, []string{"/opt/rust/src"}, cfg.GDB.SourceDirs)
}

func TestLoadDropsUnsetSourceDirs(t *testing.T) {
	t.Setenv("RUST_SRC_PATH", "")
	cfg, err := Load(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.Empty(t, cfg.GDB.SourceDirs)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("FERROS_TARGET", "/work/ferros/target_ferros")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "bootdbg.yaml", []byte(`
remote_endpoint: 127.0.0.1:2345
probe:
  file: gdb_stub.c
  line: 12
  strict: true
images:
  debug: ${FERROS_TARGET}/debug/debug.efi
  loader: ${FERROS_TARGET}/debug/loader.so
  kernel: ${FERROS_TARGET}/debug/kernel.so
kernel:
  relocate: true
unpause:
  expression: "*(int *)($rbp - 0x8)"
gdb:
  path: /usr/bin/gdb-multiarch
  source_dirs:
    - /src/a
    - ${UNSET_FOR_BOOTDBG_TEST}
`), 0o644))

	cfg, err := Load(fs, "bootdbg.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "127.0.0.1:2345", cfg.RemoteEndpoint)
	require.Equal(t, 12, cfg.Probe.Line)
	require.True(t, cfg.Probe.Strict)
	require.Equal(t, uint64(0x1000), cfg.Probe.BaseAlignment)
	require.Equal(t, "/work/ferros/target_ferros/debug/loader.so", cfg.Images.Loader)
	require.True(t, cfg.Kernel.Relocate)
	require.Equal(t, "*(int *)($rbp - 0x8)", cfg.Unpause.Expression)
	require.Equal(t, 2, cfg.Unpause.Steps)
	require.Equal(t, "kernel::kernel_entry", cfg.Kernel.EntrySymbol)
	require.Equal(t, "/usr/bin/gdb-multiarch", cfg.GDB.Path)
	require.Equal(t, "i386:x86-64:intel", cfg.GDB.Architecture)
	require.Equal(t, []string{"/src/a"}, cfg.GDB.SourceDirs)
}

func TestLoadEmptyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "empty.yaml", nil, 0o644))
	cfg, err := Load(fs, "empty.yaml")
	require.NoError(t, err)
	require.Equal(t, Default().Images, cfg.Images)
}

func TestLoadErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "unknown.yaml", []byte("remote: localhost:1234\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "broken.yaml", []byte("probe: [\n"), 0o644))

	_, err := Load(fs, "unknown.yaml")
	require.ErrorContains(t, err, "parse unknown.yaml")
	_, err = Load(fs, "broken.yaml")
	require.ErrorContains(t, err, "parse broken.yaml")
	_, err = Load(fs, "missing.yaml")
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.RemoteEndpoint = "localhost"
	cfg.Probe.Line = 0
	cfg.Probe.BaseAlignment = 0x1800
	cfg.Images.Kernel = ""
	cfg.Attach.EntrySymbol = ""
	cfg.Unpause.Steps = -1

	err := cfg.Validate()
	require.Error(t, err)
	for _, msg := range []string{
		"remote_endpoint",
		"probe.line must be positive",
		"probe.base_alignment must be a power of two, got 0x1800",
		"images.kernel is required",
		"attach.entry_symbol is required",
		"unpause.steps must not be negative",
	} {
		require.ErrorContains(t, err, msg)
	}

	cfg = Default()
	cfg.Probe.BaseAlignment = 0
	require.NoError(t, cfg.Validate())
}
