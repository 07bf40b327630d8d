// Package utils provides logging, flags and versioning for the orchestrator service.
package utils

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/scroll-tech/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

// LogSetup configures the root logger from the verbosity and log.debug flags.
func LogSetup(ctx *cli.Context) error {
	verbosity := ctx.Int(verbosityFlag.Name)
	if verbosity < int(log.LvlCrit) || verbosity > int(log.LvlTrace) {
		return fmt.Errorf("invalid verbosity %d", verbosity)
	}
	log.PrintOrigins(ctx.Bool(logDebugFlag.Name))
	log.Root().SetHandler(newLogHandler(os.Stderr, log.Lvl(verbosity)))
	return nil
}

// newLogHandler returns a level-filtered terminal handler, colored when w is a terminal.
func newLogHandler(w *os.File, lvl log.Lvl) log.Handler {
	useColor := (isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd())) && os.Getenv("TERM") != "dumb"
	var output io.Writer = w
	if useColor {
		output = colorable.NewColorable(w)
	}
	return log.LvlFilterHandler(lvl, log.StreamHandler(output, log.TerminalFormat(useColor)))
}
