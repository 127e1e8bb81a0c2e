package gdbmi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ferros-dev/bootdbg/pkg/debugger"
	"github.com/ferros-dev/bootdbg/pkg/test"
)

// fakeGDB answers mi commands with canned output. Result records returned by
// the handler get the command's token prepended.
type fakeGDB struct {
	handle func(cmd string) []string

	mu       sync.Mutex
	commands []string
}

func (f *fakeGDB) serve(in io.Reader, out io.WriteCloser) {
	defer out.Close()
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		i := 0
		for i < len(line) && line[i] >= '0' && line[i] <= '9' {
			i++
		}
		token, cmd := line[:i], line[i:]
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()

		var lines []string
		switch {
		case cmd == "-gdb-exit":
			lines = []string{"^exit"}
		case f.handle != nil:
			lines = f.handle(cmd)
		}
		if lines == nil {
			lines = []string{"^done"}
		}
		for _, l := range lines {
			if strings.HasPrefix(l, "^") {
				l = token + l
			}
			if _, err := fmt.Fprintln(out, l); err != nil {
				return
			}
		}
		if _, err := fmt.Fprintln(out, "(gdb) "); err != nil {
			return
		}
	}
}

func (f *fakeGDB) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newTestClient(t *testing.T, output io.Writer, handle func(cmd string) []string) (*Client, *fakeGDB) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	f := &fakeGDB{handle: handle}
	go f.serve(inR, outW)
	return newClient(test.NewTestingLogger(t), outR, inW, output), f
}

func TestClientSetup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, nil)

	require.NoError(t, c.setup(context.Background(), Options{
		Architecture: "i386:x86-64:intel",
		SourceDirs:   []string{"/opt/rust/src", "/home/me/my src"},
	}))
	require.NoError(t, c.Close())

	require.Equal(t, []string{
		"-gdb-set confirm off",
		"-gdb-set pagination off",
		"-gdb-set width 0",
		"-gdb-set mi-async on",
		"-gdb-set architecture i386:x86-64:intel",
		`-environment-directory "/opt/rust/src" "/home/me/my src"`,
		"-gdb-exit",
	}, f.Commands())
}

func TestClientEvaluate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, func(cmd string) []string {
		switch cmd {
		case `-data-evaluate-expression "$pc"`:
			return []string{`^done,value="(void (*)()) 0x55550000113a <gdb_stub+21>"`}
		case `-data-evaluate-expression "$rbp - 4"`:
			return []string{`^done,value="140737488346812"`}
		case `-data-evaluate-expression "$nothing"`:
			return []string{`^done,value="void"`}
		}
		return nil
	})
	defer c.Close()
	ctx := context.Background()

	pc, err := c.Evaluate(ctx, "$pc")
	require.NoError(t, err)
	require.Equal(t, uint64(0x55550000113a), pc)

	v, err := c.Evaluate(ctx, "$rbp - 4")
	require.NoError(t, err)
	require.Equal(t, uint64(140737488346812), v)

	_, err = c.Evaluate(ctx, "$nothing")
	require.ErrorContains(t, err, "evaluate $nothing")
	require.Len(t, f.Commands(), 3)
}

func TestClientCommandError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, _ := newTestClient(t, nil, func(cmd string) []string {
		return []string{`^error,msg="No symbol table is loaded.  Use the \"file\" command."`}
	})
	defer c.Close()

	_, err := c.Execute(context.Background(), "info line gdb_stub.c:9")
	var cmdErr *debugger.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, `No symbol table is loaded.  Use the "file" command.`, cmdErr.Message)
	require.Equal(t, `-interpreter-exec console "info line gdb_stub.c:9"`, cmdErr.Command)
}

func TestClientLineAddress(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, func(cmd string) []string {
		switch cmd {
		case `-interpreter-exec console "info line gdb_stub.c:9"`:
			return []string{
				`~"Line 9 of \"gdb_stub.c\" starts at address 0x1136 <gdb_stub+17> and ends at 0x113a <gdb_stub+21>.\n"`,
				"^done",
			}
		case `-data-evaluate-expression "$_"`:
			return []string{`^done,value="(void (*)()) 0x1136 <gdb_stub+17>"`}
		}
		return nil
	})
	defer c.Close()

	addr, err := c.LineAddress(context.Background(), debugger.SourceLocation{File: "gdb_stub.c", Line: 9})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1136), addr)
	require.Equal(t, []string{
		`-interpreter-exec console "info line gdb_stub.c:9"`,
		`-data-evaluate-expression "$_"`,
	}, f.Commands())
}

func TestClientExecuteCapturesConsole(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, _ := newTestClient(t, nil, func(cmd string) []string {
		return []string{
			`~"add symbol table from file \"target/debug/debug.efi\" at\n"`,
			`~"\t.text_addr = 0x555500001000\n"`,
			`&"some log output\n"`,
			"^done",
		}
	})
	defer c.Close()

	out, err := c.Execute(context.Background(), "add-symbol-file target/debug/debug.efi 0x555500001000")
	require.NoError(t, err)
	require.Equal(t, "add symbol table from file \"target/debug/debug.efi\" at\n\t.text_addr = 0x555500001000\nsome log output\n", out)
}

func TestClientUnsolicitedConsoleOutput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	var buf bytes.Buffer
	c, _ := newTestClient(t, &buf, func(cmd string) []string {
		return []string{
			"^done",
			`~"\nBreakpoint 2, kernel::kernel_entry () at src/lib.rs:115\n"`,
		}
	})

	_, err := c.Execute(context.Background(), "continue")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Equal(t, "\nBreakpoint 2, kernel::kernel_entry () at src/lib.rs:115\n", buf.String())
}

func TestClientSymbols(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SelectImage(ctx, ""))
	require.NoError(t, c.SelectImage(ctx, "target/debug/kernel.so"))
	require.NoError(t, c.LoadSymbols(ctx, "target/debug/debug.efi", 0x555500001000, 0x555500002000))
	require.NoError(t, c.LoadSymbols(ctx, "my build/debug.efi", 0x1000, 0x2000))

	require.Equal(t, []string{
		"-file-exec-and-symbols",
		`-file-exec-and-symbols "target/debug/kernel.so"`,
		`-interpreter-exec console "add-symbol-file target/debug/debug.efi 0x555500001000 -s .data 0x555500002000"`,
		`-interpreter-exec console "add-symbol-file \"my build/debug.efi\" 0x1000 -s .data 0x2000"`,
	}, f.Commands())
}

func TestClientConnectRefused(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, func(cmd string) []string {
		return []string{`^error,msg="localhost:1234: Connection refused."`}
	})

	err := c.Connect(context.Background(), "localhost:1234")
	var connErr *debugger.RemoteConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "localhost:1234", connErr.Endpoint)
	require.ErrorContains(t, err, "Connection refused")

	require.NoError(t, c.Close())
	require.Equal(t, []string{"-target-select remote localhost:1234", "-gdb-exit"}, f.Commands())
}

func TestClientCloseDetaches(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, func(cmd string) []string {
		if cmd == "-target-select remote localhost:1234" {
			return []string{"=thread-group-started,id=\"i1\",pid=\"42000\"", `*stopped,frame={addr="0x55550000113a",func="gdb_stub"},thread-id="1"`, "^connected"}
		}
		return nil
	})

	require.NoError(t, c.Connect(context.Background(), "localhost:1234"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, []string{"-target-select remote localhost:1234", "-target-detach", "-gdb-exit"}, f.Commands())
}

func TestClientBreakOnceAndContinue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, func(cmd string) []string {
		switch cmd {
		case "-target-select remote localhost:1234":
			// the stop reported on connect must not satisfy the next resume
			return []string{`*stopped,frame={addr="0x55550000113a",func="gdb_stub"},thread-id="1"`, "^connected"}
		case "-break-insert -t loader::run_kernel":
			return []string{`^done,bkpt={number="3",type="breakpoint",disp="del",addr="0x0000555500004f20",func="loader::run_kernel"}`}
		case "-exec-continue":
			return []string{
				"^running",
				`*running,thread-id="all"`,
				`*stopped,reason="breakpoint-hit",disp="del",bkptno="3",frame={addr="0x0000555500004f20",func="loader::run_kernel",args=[]},thread-id="1"`,
			}
		case "-exec-next":
			return []string{
				"^running",
				`*stopped,reason="end-stepping-range",frame={addr="0x0000555500001150",func="gdb_stub"},thread-id="1"`,
			}
		}
		return nil
	})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, "localhost:1234"))
	n, err := c.BreakOnce(ctx, "loader::run_kernel")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	ev, err := c.Continue(ctx)
	require.NoError(t, err)
	require.Equal(t, debugger.StopEvent{
		Reason:     debugger.StopBreakpointHit,
		Breakpoint: 3,
		PC:         0x555500004f20,
		Function:   "loader::run_kernel",
	}, ev)

	ev, err = c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, debugger.StopEndStepping, ev.Reason)
	require.Equal(t, uint64(0x555500001150), ev.PC)
	require.Len(t, f.Commands(), 4)
}

func TestClientContinueCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, func(cmd string) []string {
		if cmd == "-exec-continue" {
			return []string{"^running"}
		}
		return nil
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Continue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		cmds := f.Commands()
		return len(cmds) == 2 && cmds[1] == "-exec-interrupt"
	}, time.Second, 10*time.Millisecond)

	// the interrupt's result is stale and must not confuse the next command
	require.NoError(t, c.SelectImage(context.Background(), ""))
}

func TestClientInterrupt(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, func(cmd string) []string {
		switch cmd {
		case `-interpreter-exec console "continue"`:
			return []string{"^running", "*running,thread-id=\"all\""}
		case "-exec-interrupt":
			return []string{"^done", `*stopped,reason="signal-received",signal-name="SIGINT",frame={addr="0x7e3c51b0",func="gdb_stub"}`}
		case "-exec-next":
			return []string{"^running", `*stopped,reason="end-stepping-range",frame={addr="0x7e3c51b4",func="gdb_stub"}`}
		}
		return nil
	})
	ctx := context.Background()

	_, err := c.Execute(ctx, "continue")
	require.NoError(t, err)
	require.NoError(t, c.Interrupt(ctx))
	_, err = c.Execute(ctx, "bt")
	require.NoError(t, err)

	// the stop caused by the interrupt is not mistaken for the step's
	ev, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, debugger.StopEndStepping, ev.Reason)
	require.Equal(t, uint64(0x7e3c51b4), ev.PC)
	require.Equal(t, []string{
		`-interpreter-exec console "continue"`,
		"-exec-interrupt",
		`-interpreter-exec console "bt"`,
		"-exec-next",
	}, f.Commands())

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Interrupt(ctx), debugger.ErrClosed)
}

func TestClientDisassemble(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, f := newTestClient(t, nil, func(cmd string) []string {
		return []string{`^done,asm_insns=[{address="0x000055550000113a",func-name="gdb_stub",offset="21",inst="pause"},{address="0x000055550000113c",func-name="gdb_stub",offset="23",inst="jmp    0x555500001136 <gdb_stub+17>"}]`}
	})
	defer c.Close()

	insn, err := c.Disassemble(context.Background(), 0x55550000113a)
	require.NoError(t, err)
	require.Equal(t, "pause", insn)
	require.Equal(t, []string{"-data-disassemble -s 0x55550000113a -e 0x55550000114a -- 0"}, f.Commands())
}

func TestClientClosed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, _ := newTestClient(t, nil, nil)
	require.NoError(t, c.Close())

	_, err := c.Execute(context.Background(), "info registers")
	require.Error(t, err)
}

func TestParseNumber(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected uint64
		err      bool
	}{
		{in: "4198710", expected: 4198710},
		{in: "0x401136", expected: 0x401136},
		{in: "0x401136 <gdb_stub+17>", expected: 0x401136},
		{in: "(void (*)()) 0x401136 <gdb_stub+17>", expected: 0x401136},
		{in: "(int *) 0x7fffffffe3bc", expected: 0x7fffffffe3bc},
		{in: "97 'a'", expected: 97},
		{in: "-1", expected: 0xffffffffffffffff},
		{in: "void", err: true},
		{in: "", err: true},
		{in: "(void (*)())", err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			v, err := parseNumber(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, v)
		})
	}
}
