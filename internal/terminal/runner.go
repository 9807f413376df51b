package terminal

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pdv_terminal/internal/authz"
	"pdv_terminal/internal/channel"
	"pdv_terminal/internal/checkout"
	"pdv_terminal/internal/config"
	"pdv_terminal/internal/pdvapi"

	"go.uber.org/zap"
)

type Runner struct {
	options Options
	logger  *zap.Logger
	api     *pdvapi.Client
	broker  *authz.Broker
	channel *channel.Client

	args []string
	in   io.Reader
	out  io.Writer
}

func NewRunner(cfg config.Config, logger *zap.Logger, api *pdvapi.Client, broker *authz.Broker, ch *channel.Client) *Runner {
	return &Runner{
		options: Options{
			PdvID:      cfg.PdvID,
			SessionID:  cfg.SessionID,
			OperatorID: cfg.OperatorID,
			Debug:      cfg.Debug,
		},
		logger:  logger.Named("terminal"),
		api:     api,
		broker:  broker,
		channel: ch,
		args:    os.Args[1:],
		in:      os.Stdin,
		out:     os.Stdout,
	}
}

func (r *Runner) Execute() error {
	if err := parseFlags(r.args, &r.options, r.out); err != nil {
		if errors.Is(err, errHelpShown) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	identity := authz.Session{
		ID:         r.options.SessionID,
		PdvID:      r.options.PdvID,
		OperatorID: r.options.OperatorID,
	}
	broker := r.broker
	if broker.Session() != identity {
		broker = broker.WithSession(identity)
	}

	s := newSession(r.out, r.logger, r.api, r.api, broker, checkout.Session(identity))
	s.approvalTimeout = r.options.ApprovalTimeout
	s.connected = r.channel.Connected
	r.channel.OnStateChange(func(connected bool) {
		if r.options.Debug {
			s.out.printf("\n(approval channel connected=%t)\n", connected)
		}
	})

	r.logger.Info("terminal started",
		zap.String("pdv_id", identity.PdvID),
		zap.String("operator_id", identity.OperatorID),
		zap.Duration("approval_timeout", s.approvalTimeout),
	)
	return runREPL(ctx, s, r.in)
}

func runREPL(ctx context.Context, s *session, in io.Reader) error {
	reader := bufio.NewScanner(in)
	s.out.printf("PDV terminal (type 'help' for commands, 'exit' to quit)\n")
	s.out.printf("sale %s\n", s.currentSale().ID())

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for reader.Scan() {
			select {
			case lines <- reader.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- reader.Err()
	}()

	defer s.close()
	for {
		s.out.printf("> ")
		select {
		case <-ctx.Done():
			s.out.printf("\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if !s.handle(ctx, strings.TrimSpace(line)) {
				return nil
			}
		}
	}
}
