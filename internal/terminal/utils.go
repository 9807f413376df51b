package terminal

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pdv_terminal/internal/authz"
	"pdv_terminal/internal/checkout"
	"pdv_terminal/internal/ledger"
	"pdv_terminal/internal/pdvapi"
	"pdv_terminal/internal/sale"

	"go.uber.org/zap"
)

// syncWriter serializes output from the prompt and from approvals that
// resolve in the background.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.w, format, args...)
}

func trackCall[T any](logger *zap.Logger, name string, args map[string]any, fn func() (T, error)) (T, error) {
	start := time.Now()
	result, err := fn()
	fields := []zap.Field{
		zap.String("name", name),
		zap.Any("args", args),
		zap.Int64("ms", time.Since(start).Milliseconds()),
		zap.Bool("ok", err == nil),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Info("terminal call", fields...)
	return result, err
}

func friendlyError(err error) string {
	var policy *pdvapi.PolicyError
	var apiErr *pdvapi.APIError
	switch {
	case errors.Is(err, authz.ErrCredentialRejected):
		return "wrong manager password, try again"
	case errors.Is(err, authz.ErrCredentialRequired):
		return "type the manager password"
	case errors.Is(err, checkout.ErrClientNotVerified):
		return "store credit needs the client pin first: client <id> <pin>"
	case errors.Is(err, pdvapi.ErrCredentialMismatch):
		return "wrong client pin, try again"
	case errors.As(err, &policy):
		return policy.Reason
	case errors.Is(err, pdvapi.ErrRateLimited):
		return "server is busy, try again shortly"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("server error %d: %s", apiErr.StatusCode, apiErr.Body)
	case errors.Is(err, checkout.ErrTotalChanged):
		return "cart changed after payment started; start payment again"
	case errors.Is(err, ledger.ErrExceedsRemainder):
		return err.Error() + " (only cash gives change)"
	default:
		return err.Error()
	}
}

func displayName(item sale.Item) string {
	if strings.TrimSpace(item.Name) != "" {
		return item.Name
	}
	return item.ProductRef
}

func (s *session) printHelp() {
	s.out.printf(`commands:
  item <product> <qty> <unit price> [name]   add a cart line
  list                                       show the cart
  client <id> [pin]                          attach a client; the pin allows store credit
  pay <cash|card|pix|credit> <amount|rest> [client]
  drop <tender #|credit>                     remove tenders
  confirm                                    settle the sale
  remove <line #> <qty>                      take items off (needs approval)
  cancel                                     cancel the sale (needs approval)
  auth <approval #> <password>               approve with a manager password
  dismiss <approval #>                       give up on an approval
  status                                     sale, payment and channel state
  new                                        start the next sale
  exit
`)
}

func (s *session) printCart() {
	sl := s.currentSale()
	items := sl.Items()
	if len(items) == 0 {
		s.out.printf("cart is empty\n")
		return
	}
	for i, item := range items {
		s.out.printf("%d) %s x%d @ %s = %s\n", i+1, displayName(item), item.Quantity, item.UnitPrice, item.LineTotal())
	}
	s.out.printf("total %s\n", sl.Total())
}

func (s *session) printLedger(st ledger.State, state checkout.State) {
	for i, t := range st.Tenders {
		client := ""
		if t.ClientRef != "" {
			client = " client " + t.ClientRef
		}
		s.out.printf("  %d) %s %s%s\n", i+1, t.Kind, t.Amount, client)
	}
	s.out.printf("total %s paid %s remainder %s change %s [%s]\n", st.Total, st.Paid, st.Remainder, st.Change, state)
}

func (s *session) printReceipt(co *checkout.Orchestrator) {
	r, ok := co.Receipt()
	if !ok {
		return
	}
	s.out.printf("sale settled #%s total %s paid %s change %s\n", r.RemoteID, r.Total, r.Paid, r.Change)
}

func (s *session) printStatus() {
	sl := s.currentSale()
	s.out.printf("sale %s %s, %d lines, total %s\n", sl.ID(), sl.Status(), len(sl.Items()), sl.Total())

	s.mu.Lock()
	co := s.checkout
	s.mu.Unlock()
	if co != nil {
		st := co.Ledger()
		s.out.printf("payment %s: paid %s remainder %s\n", co.State(), st.Paid, st.Remainder)
		if err := co.Err(); err != nil && co.State() == checkout.StateFailed {
			s.out.printf("last failure: %s (confirm to retry)\n", friendlyError(err))
		}
	}

	channelState := "offline, local approval only"
	if s.connected() {
		channelState = "online"
	}
	s.out.printf("approval channel %s\n", channelState)
	for _, p := range s.openPrompts() {
		s.out.printf("  [%d] %s %s\n", p.id, p.label, p.auth.State())
	}
}
