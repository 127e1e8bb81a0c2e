// Package gdbmi drives gdb over its machine interface.
package gdbmi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ferros-dev/bootdbg/pkg/debugger"
)

type Options struct {
	Path string
	Args []string
	// Architecture is passed to "set architecture" when not empty.
	Architecture string
	SourceDirs   []string
	// Output receives console output gdb prints outside of a command, for
	// example when a breakpoint is hit after a console "continue".
	Output io.Writer
}

// Client implements debugger.Debugger on top of a gdb/mi session.
type Client struct {
	logger log.Logger
	output io.Writer
	proc   *exec.Cmd

	wmu sync.Mutex
	in  io.WriteCloser

	// mu serializes commands, at most one is in flight
	mu    sync.Mutex
	token atomic.Uint64

	results chan Record
	stops   chan Record
	done    chan struct{}

	// cmu guards the console output collected for the command in flight
	cmu          sync.Mutex
	capture      *strings.Builder
	captureToken uint64

	connected atomic.Bool
	g         errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

var _ debugger.Debugger = (*Client)(nil)

// Start launches gdb and prepares the session.
func Start(ctx context.Context, logger log.Logger, opts Options) (*Client, error) {
	args := append([]string{"--interpreter=mi3", "--quiet", "--nx"}, opts.Args...)
	cmd := exec.Command(opts.Path, args...)
	// Keep the terminal's SIGINT away from gdb, bootdbg decides what
	// Ctrl-C interrupts.
	cmd.SysProcAttr = detachedProcAttr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", opts.Path)
	}
	level.Debug(logger).Log("msg", "started gdb", "path", opts.Path, "pid", cmd.Process.Pid)

	c := newClient(logger, stdout, stdin, opts.Output)
	c.proc = cmd
	c.g.Go(func() error {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			level.Debug(c.logger).Log("msg", "gdb stderr", "line", sc.Text())
		}
		return nil
	})
	if err := c.setup(ctx, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(logger log.Logger, r io.Reader, w io.WriteCloser, output io.Writer) *Client {
	c := &Client{
		logger:  logger,
		output:  output,
		in:      w,
		results: make(chan Record, 16),
		stops:   make(chan Record, 16),
		done:    make(chan struct{}),
	}
	c.g.Go(func() error {
		return c.read(r)
	})
	return c
}

func (c *Client) setup(ctx context.Context, opts Options) error {
	cmds := []string{
		"-gdb-set confirm off",
		"-gdb-set pagination off",
		"-gdb-set width 0",
		// lets -exec-interrupt through while the target runs
		"-gdb-set mi-async on",
	}
	if opts.Architecture != "" {
		cmds = append(cmds, "-gdb-set architecture "+opts.Architecture)
	}
	if len(opts.SourceDirs) > 0 {
		dirs := lo.Map(opts.SourceDirs, func(d string, _ int) string { return quote(d) })
		cmds = append(cmds, "-environment-directory "+strings.Join(dirs, " "))
	}
	for _, cmd := range cmds {
		if _, _, err := c.command(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) read(r io.Reader) error {
	defer close(c.done)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		rec, err := ParseRecord(sc.Text())
		if err != nil {
			level.Warn(c.logger).Log("msg", "skipping mi output", "err", err)
			continue
		}
		c.dispatch(rec)
	}
	return sc.Err()
}

func (c *Client) dispatch(rec Record) {
	switch rec.Type {
	case RecordResult:
		c.cmu.Lock()
		if c.capture != nil && c.captureToken == rec.Token {
			rec.Stream = c.capture.String()
			c.capture = nil
		}
		c.cmu.Unlock()
		c.results <- rec
	case RecordExecAsync:
		if rec.Class != "stopped" {
			level.Debug(c.logger).Log("msg", "target state", "class", rec.Class)
			return
		}
		select {
		case c.stops <- rec:
		default:
			level.Warn(c.logger).Log("msg", "dropping stop event", "reason", rec.Results.String("reason"))
		}
	case RecordConsole, RecordLog:
		c.cmu.Lock()
		defer c.cmu.Unlock()
		if c.capture != nil {
			c.capture.WriteString(rec.Stream)
			return
		}
		if rec.Type == RecordConsole && c.output != nil {
			_, _ = io.WriteString(c.output, rec.Stream)
		}
	case RecordTarget:
		level.Debug(c.logger).Log("msg", "target output", "text", strings.TrimSpace(rec.Stream))
	case RecordNotifyAsync, RecordStatusAsync:
		level.Debug(c.logger).Log("msg", "gdb notification", "class", rec.Class)
	}
}

func (c *Client) write(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.in, line+"\n")
	return err
}

func (c *Client) command(ctx context.Context, cmd string) (Record, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandLocked(ctx, cmd)
}

func (c *Client) commandLocked(ctx context.Context, cmd string) (Record, string, error) {
	token := c.token.Inc()
	c.cmu.Lock()
	c.capture, c.captureToken = &strings.Builder{}, token
	c.cmu.Unlock()
	defer func() {
		c.cmu.Lock()
		if c.captureToken == token {
			c.capture = nil
		}
		c.cmu.Unlock()
	}()

	level.Debug(c.logger).Log("msg", "mi command", "token", token, "cmd", cmd)
	if err := c.write(strconv.FormatUint(token, 10) + cmd); err != nil {
		return Record{}, "", errors.Wrap(err, "write mi command")
	}
	for {
		select {
		case rec := <-c.results:
			if rec.Token != token {
				level.Debug(c.logger).Log("msg", "discarding stale result", "token", rec.Token, "class", rec.Class)
				continue
			}
			return c.finish(cmd, rec)
		case <-c.done:
			// the reader is gone, but our result may already be queued
			for len(c.results) > 0 {
				if rec := <-c.results; rec.Token == token {
					return c.finish(cmd, rec)
				}
			}
			return Record{}, "", debugger.ErrClosed
		case <-ctx.Done():
			return Record{}, "", ctx.Err()
		}
	}
}

func (c *Client) finish(cmd string, rec Record) (Record, string, error) {
	if rec.Class == "error" {
		return rec, rec.Stream, &debugger.CommandError{Command: cmd, Message: rec.Results.String("msg")}
	}
	return rec, rec.Stream, nil
}

// resume issues an execution command and blocks until the target stops.
func (c *Client) resume(ctx context.Context, cmd string) (debugger.StopEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for drained := false; !drained; {
		select {
		case rec := <-c.stops:
			level.Debug(c.logger).Log("msg", "discarding earlier stop", "reason", rec.Results.String("reason"))
		default:
			drained = true
		}
	}
	if _, _, err := c.commandLocked(ctx, cmd); err != nil {
		return debugger.StopEvent{}, err
	}
	select {
	case rec := <-c.stops:
		return stopEvent(rec), nil
	case <-c.done:
		if len(c.stops) > 0 {
			return stopEvent(<-c.stops), nil
		}
		return debugger.StopEvent{}, debugger.ErrClosed
	case <-ctx.Done():
		if err := c.Interrupt(context.Background()); err != nil {
			level.Warn(c.logger).Log("msg", "failed to interrupt target", "err", err)
		}
		return debugger.StopEvent{}, ctx.Err()
	}
}

// Interrupt sends -exec-interrupt without waiting for a command in flight.
// Its result is discarded as stale and the stop it causes is dropped by the
// next Continue or Next.
func (c *Client) Interrupt(context.Context) error {
	select {
	case <-c.done:
		return debugger.ErrClosed
	default:
	}
	token := c.token.Inc()
	level.Debug(c.logger).Log("msg", "mi command", "token", token, "cmd", "-exec-interrupt")
	return errors.Wrap(c.write(strconv.FormatUint(token, 10)+"-exec-interrupt"), "write mi command")
}

func stopEvent(rec Record) debugger.StopEvent {
	frame := rec.Results.Tuple("frame")
	ev := debugger.StopEvent{
		Reason:   debugger.StopReason(rec.Results.String("reason")),
		Function: frame.String("func"),
		Signal:   rec.Results.String("signal-name"),
	}
	if n, err := strconv.Atoi(rec.Results.String("bkptno")); err == nil {
		ev.Breakpoint = n
	}
	if pc, err := strconv.ParseUint(frame.String("addr"), 0, 64); err == nil {
		ev.PC = pc
	}
	return ev
}

func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	_, out, err := c.command(ctx, "-interpreter-exec console "+quote(command))
	return out, err
}

func (c *Client) Evaluate(ctx context.Context, expr string) (uint64, error) {
	rec, _, err := c.command(ctx, "-data-evaluate-expression "+quote(expr))
	if err != nil {
		return 0, err
	}
	v, err := parseNumber(rec.Results.String("value"))
	if err != nil {
		return 0, errors.Wrapf(err, "evaluate %s", expr)
	}
	return v, nil
}

// LineAddress looks the location up with "info line", which leaves the
// address in $_.
func (c *Client) LineAddress(ctx context.Context, loc debugger.SourceLocation) (uint64, error) {
	if _, err := c.Execute(ctx, "info line "+loc.String()); err != nil {
		return 0, err
	}
	addr, err := c.Evaluate(ctx, "$_")
	if err != nil {
		return 0, errors.Wrapf(err, "resolve %s", loc)
	}
	return addr, nil
}

func (c *Client) SelectImage(ctx context.Context, path string) error {
	cmd := "-file-exec-and-symbols"
	if path != "" {
		cmd += " " + quote(path)
	}
	_, _, err := c.command(ctx, cmd)
	return err
}

func (c *Client) LoadSymbols(ctx context.Context, path string, text, data uint64) error {
	_, err := c.Execute(ctx, fmt.Sprintf("add-symbol-file %s 0x%x -s .data 0x%x", consoleArg(path), text, data))
	return err
}

func (c *Client) Connect(ctx context.Context, endpoint string) error {
	_, _, err := c.command(ctx, "-target-select remote "+endpoint)
	var cmdErr *debugger.CommandError
	if errors.As(err, &cmdErr) {
		return &debugger.RemoteConnectionError{Endpoint: endpoint, Err: err}
	}
	if err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

func (c *Client) BreakOnce(ctx context.Context, symbol string) (int, error) {
	rec, _, err := c.command(ctx, "-break-insert -t "+symbol)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(rec.Results.Tuple("bkpt").String("number"))
	if err != nil {
		return 0, errors.Wrapf(err, "breakpoint number for %s", symbol)
	}
	return n, nil
}

func (c *Client) Continue(ctx context.Context) (debugger.StopEvent, error) {
	return c.resume(ctx, "-exec-continue")
}

func (c *Client) Next(ctx context.Context) (debugger.StopEvent, error) {
	return c.resume(ctx, "-exec-next")
}

func (c *Client) Disassemble(ctx context.Context, addr uint64) (string, error) {
	rec, _, err := c.command(ctx, fmt.Sprintf("-data-disassemble -s 0x%x -e 0x%x -- 0", addr, addr+16))
	if err != nil {
		return "", err
	}
	insns := rec.Results.List("asm_insns")
	if len(insns) == 0 {
		return "", errors.Errorf("no instruction at 0x%x", addr)
	}
	insn, _ := insns[0].(Tuple)
	return insn.String("inst"), nil
}

// Close detaches from the target, if connected, and stops gdb.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.connected.Load() {
			_ = c.write("-target-detach")
		}
		_ = c.write("-gdb-exit")
		_ = c.in.Close()
		c.closeErr = c.g.Wait()
		if c.proc != nil {
			if err := c.proc.Wait(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// parseNumber extracts the value from gdb's rendering of a scalar, such as
// "4198710", "0x401136 <gdb_stub+17>" or "(void (*)()) 0x401136 <gdb_stub+17>".
func parseNumber(v string) (uint64, error) {
	s := strings.TrimSpace(v)
	if strings.HasPrefix(s, "(") {
		depth := 0
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 {
				s = strings.TrimSpace(s[i+1:])
				break
			}
		}
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.Errorf("no value in %q", v)
	}
	if strings.HasPrefix(fields[0], "-") {
		n, err := strconv.ParseInt(fields[0], 0, 64)
		return uint64(n), err
	}
	return strconv.ParseUint(fields[0], 0, 64)
}

func consoleArg(s string) string {
	if strings.ContainsAny(s, " \t\"") {
		return strconv.Quote(s)
	}
	return s
}
