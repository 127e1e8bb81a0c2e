package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/ferros-dev/bootdbg/pkg/debugger"
)

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	errorColor  = color.New(color.FgRed)
)

// runConsole forwards operator input to gdb line by line until EOF, "quit"
// or ctx is done. Every signal received on interrupts stops the target.
// Failed commands are reported and the console carries on.
func runConsole(ctx context.Context, dbg debugger.Debugger, in io.Reader, out io.Writer, interrupts <-chan os.Signal) error {
	fmt.Fprintf(out, "Handing over to gdb. Type %s to leave, Ctrl-C stops the target.\n", color.YellowString("quit"))

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	var scanErr error
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		scanErr = sc.Err()
	}()

	for {
		promptColor.Fprint(out, "(bootdbg) ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return ctx.Err()
		case <-interrupts:
			fmt.Fprintln(out)
			if err := dbg.Interrupt(ctx); err != nil {
				if errors.Is(err, debugger.ErrClosed) {
					return err
				}
				errorColor.Fprintln(out, err.Error())
			}
			continue
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return scanErr
			}
			line = strings.TrimSpace(l)
		}
		switch line {
		case "":
			continue
		case "quit", "q", "exit":
			return nil
		}

		res, err := dbg.Execute(ctx, line)
		if res != "" {
			fmt.Fprint(out, res)
		}
		switch {
		case err == nil:
		case errors.Is(err, debugger.ErrClosed), ctx.Err() != nil:
			return err
		default:
			errorColor.Fprintln(out, err.Error())
		}
	}
}
