package terminal

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
)

type Options struct {
	PdvID           string
	SessionID       string
	OperatorID      string
	ApprovalTimeout time.Duration
	Debug           bool
}

// parseFlags applies command line overrides on top of opts. It returns
// errHelpShown when usage was printed and the runner should stop.
func parseFlags(args []string, opts *Options, out io.Writer) error {
	fs := pflag.NewFlagSet("pdv-terminal", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: %s [flags]\n", fs.Name())
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.PdvID, "pdv-id", opts.PdvID, "PDV identifier (PDV_ID)")
	fs.StringVar(&opts.SessionID, "session-id", opts.SessionID, "open PDV session (SESSION_ID)")
	fs.StringVar(&opts.OperatorID, "operator-id", opts.OperatorID, "operator at the terminal (OPERATOR_ID)")
	fs.DurationVar(&opts.ApprovalTimeout, "approval-timeout", opts.ApprovalTimeout, "give up on manager approvals after this long (0 waits forever)")
	fs.BoolVar(&opts.Debug, "debug", opts.Debug, "print debug details")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelpShown
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.ApprovalTimeout < 0 {
		return fmt.Errorf("approval timeout must not be negative")
	}
	return nil
}

var errHelpShown = errors.New("help shown")
