package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pdv_terminal/internal/authz"
	"pdv_terminal/internal/cancellation"
	"pdv_terminal/internal/checkout"
	"pdv_terminal/internal/credit"
	"pdv_terminal/internal/ledger"
	"pdv_terminal/internal/money"
	"pdv_terminal/internal/pdvapi"
	"pdv_terminal/internal/sale"

	"go.uber.org/zap"
)

var errUsage = errors.New("usage")

// ClientLookup reads client records and checks the PIN a client types
// before paying on store credit.
type ClientLookup interface {
	checkout.ClientVerifier
	GetClient(ctx context.Context, clientID string) (pdvapi.ClientSnapshot, error)
}

// Authorizer is satisfied by *authz.Broker.
type Authorizer interface {
	Request(ctx context.Context, kind authz.Kind, payload any) (*authz.Authorization, error)
}

// prompt is an authorization shown to the operator until it resolves.
type prompt struct {
	id    int
	label string
	auth  *authz.Authorization
	done  chan struct{}
}

// session is one operator shift at the terminal: the open sale, its
// checkout and the approvals still on screen.
type session struct {
	out             *syncWriter
	logger          *zap.Logger
	settler         checkout.Settler
	clients         ClientLookup
	authorizer      Authorizer
	identity        checkout.Session
	approvalTimeout time.Duration
	connected       func() bool

	mu         sync.Mutex
	sale       *sale.Sale
	checkout   *checkout.Orchestrator
	prompts    map[int]*prompt
	nextPrompt int
	wg         sync.WaitGroup
}

func newSession(out io.Writer, logger *zap.Logger, settler checkout.Settler, clients ClientLookup, authorizer Authorizer, identity checkout.Session) *session {
	return &session{
		out:        &syncWriter{w: out},
		logger:     logger,
		settler:    settler,
		clients:    clients,
		authorizer: authorizer,
		identity:   identity,
		connected:  func() bool { return true },
		sale:       sale.New(),
		prompts:    make(map[int]*prompt),
	}
}

// handle runs one command line. It reports false when the operator asked
// to leave.
func (s *session) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "exit", "quit":
		return false
	case "help", "?":
		s.printHelp()
	case "item":
		err = s.addItem(args)
	case "list":
		s.printCart()
	case "client":
		err = s.setClient(ctx, args)
	case "pay":
		err = s.pay(args)
	case "drop":
		err = s.drop(args)
	case "confirm":
		err = s.confirm(ctx)
	case "remove":
		err = s.removeItem(ctx, args)
	case "cancel":
		err = s.cancelSale(ctx)
	case "auth":
		err = s.authorize(ctx, args)
	case "dismiss":
		err = s.dismiss(args)
	case "status":
		s.printStatus()
	case "new":
		err = s.newSale()
	default:
		err = fmt.Errorf("unknown command %q (try help)", cmd)
	}

	if err != nil {
		s.out.printf("! %s\n", friendlyError(err))
	}
	return true
}

// close dismisses approvals still on screen and waits for their
// goroutines to finish.
func (s *session) close() {
	for _, p := range s.openPrompts() {
		if p.auth.Cancel() {
			s.logger.Info("approval dismissed on exit", zap.String("label", p.label))
		}
	}
	s.wg.Wait()
}

func (s *session) addItem(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: item <product> <qty> <unit price> [name]", errUsage)
	}
	qty, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: %s", sale.ErrInvalidQuantity, args[1])
	}
	price, err := money.Parse(args[2])
	if err != nil {
		return err
	}

	item, err := s.currentSale().AddItem(sale.Item{
		ProductRef: args[0],
		Name:       strings.Join(args[3:], " "),
		Quantity:   qty,
		UnitPrice:  price,
	})
	if err != nil {
		return err
	}
	s.cartChanged()
	s.out.printf("+ %s x%d @ %s = %s | total %s\n", displayName(item), item.Quantity, item.UnitPrice, item.LineTotal(), s.currentSale().Total())
	return nil
}

// setClient attaches a client to the payment. With a PIN the client
// confirms the purchase and store credit is unlocked for them.
func (s *session) setClient(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: client <id> [pin]", errUsage)
	}
	co, err := s.currentCheckout()
	if err != nil {
		return err
	}

	var account credit.Account
	verified := len(args) == 2
	if verified {
		account, err = trackCall(s.logger, "verify_client", map[string]any{"client_id": args[0]}, func() (credit.Account, error) {
			return co.VerifyClient(ctx, args[0], args[1])
		})
		if err != nil {
			return err
		}
	} else {
		snapshot, err := trackCall(s.logger, "get_client", map[string]any{"client_id": args[0]}, func() (pdvapi.ClientSnapshot, error) {
			return s.clients.GetClient(ctx, args[0])
		})
		if err != nil {
			return err
		}
		account = checkout.AccountFromSnapshot(snapshot)
		if err := co.SetClient(account); err != nil {
			return err
		}
	}

	s.out.printf("client %s %s: available %s", account.ID, account.Name, account.Available)
	switch {
	case account.Blocked:
		s.out.printf(" (blocked)")
	case account.TrustMode:
		s.out.printf(" (trust mode)")
	}
	if verified {
		s.out.printf(", store credit allowed")
	}
	s.out.printf("\n")
	return nil
}

func (s *session) pay(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("%w: pay <cash|card|pix|credit> <amount|rest> [client]", errUsage)
	}
	kind, err := ledger.ParseKind(args[0])
	if err != nil {
		return err
	}
	clientRef := ""
	if len(args) == 3 {
		clientRef = args[2]
	}
	co, err := s.currentCheckout()
	if err != nil {
		return err
	}

	var st ledger.State
	switch strings.ToLower(args[1]) {
	case "rest", "resto":
		st, err = co.PayRemainder(kind, clientRef)
	default:
		amount, perr := money.Parse(args[1])
		if perr != nil {
			return perr
		}
		st, err = co.AddTender(kind, amount, clientRef)
	}
	if err != nil {
		return err
	}
	s.printLedger(st, co.State())
	return nil
}

func (s *session) drop(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: drop <tender #|credit>", errUsage)
	}
	co, err := s.currentCheckout()
	if err != nil {
		return err
	}

	var st ledger.State
	if strings.EqualFold(args[0], "credit") {
		st, err = co.DropCreditTenders()
	} else {
		n, perr := strconv.Atoi(args[0])
		if perr != nil {
			return fmt.Errorf("%w: drop <tender #|credit>", errUsage)
		}
		st, err = co.RemoveTender(n - 1)
	}
	if err != nil {
		return err
	}
	s.printLedger(st, co.State())
	return nil
}

func (s *session) confirm(ctx context.Context) error {
	co, err := s.currentCheckout()
	if err != nil {
		return err
	}

	state, err := trackCall(s.logger, "confirm", map[string]any{"sale_id": s.currentSale().ID()}, func() (checkout.State, error) {
		return co.Confirm(ctx)
	})
	switch {
	case state == checkout.StateSettled:
		s.printReceipt(co)
		return nil
	case state == checkout.StateAwaitingOverride:
		p := s.openPrompt("credit override", co.PendingOverride())
		s.out.printf("credit needs manager approval [%d]; waiting for a remote answer or: auth %d <password>\n", p.id, p.id)
		s.follow(ctx, p, func(ctx context.Context) {
			res, err := co.AwaitOverride(ctx)
			defer s.cartChanged()
			switch {
			case err != nil:
				s.out.printf("! override %s but settlement failed: %s\n", res.Status, friendlyError(err))
			case co.State() == checkout.StateSettled:
				s.out.printf("override approved (%s)\n", res.Path)
				s.printReceipt(co)
			default:
				s.out.printf("override %s; choose another tender (drop credit)\n", res.Status)
			}
		})
		return nil
	case errors.Is(err, checkout.ErrTotalChanged):
		s.dropCheckout(co)
	}
	return err
}

func (s *session) removeItem(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: remove <line #> <qty>", errUsage)
	}
	item, err := s.lineAt(args[0])
	if err != nil {
		return err
	}
	qty, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: %s", sale.ErrInvalidQuantity, args[1])
	}

	pending, err := s.cancellation().RemoveItem(ctx, item.LineID, qty)
	if err != nil {
		return err
	}
	label := fmt.Sprintf("remove %d x %s", qty, displayName(item))
	s.awaitAction(ctx, label, pending)
	return nil
}

func (s *session) cancelSale(ctx context.Context) error {
	pending, err := s.cancellation().CancelSale(ctx)
	if err != nil {
		return err
	}
	s.awaitAction(ctx, "cancel sale", pending)
	return nil
}

func (s *session) awaitAction(ctx context.Context, label string, pending *cancellation.Pending) {
	p := s.openPrompt(label, pending.Authorization())
	s.out.printf("%s needs manager approval [%d]; waiting for a remote answer or: auth %d <password>\n", label, p.id, p.id)
	s.follow(ctx, p, func(ctx context.Context) {
		out, err := pending.Await(ctx)
		switch {
		case err != nil:
			s.out.printf("! %s approved but not applied: %s\n", label, friendlyError(err))
		case out.Applied:
			s.cartChanged()
			s.out.printf("%s: approved (%s), total %s\n", label, out.Resolution.Path, s.currentSale().Total())
		default:
			s.out.printf("%s: %s, cart unchanged\n", label, out.Resolution.Status)
		}
	})
}

func (s *session) authorize(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: auth <approval #> <password>", errUsage)
	}
	p, err := s.promptAt(args[0])
	if err != nil {
		return err
	}

	_, err = trackCall(s.logger, "verify_admin", map[string]any{"approval": p.id, "label": p.label}, func() (authz.Resolution, error) {
		return p.auth.SubmitCredential(ctx, authz.Credential{Secret: args[1]})
	})
	if err != nil {
		return err
	}
	<-p.done
	return nil
}

func (s *session) dismiss(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: dismiss <approval #>", errUsage)
	}
	p, err := s.promptAt(args[0])
	if err != nil {
		return err
	}
	p.auth.Cancel()
	<-p.done
	return nil
}

func (s *session) newSale() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.sale.Status() {
	case sale.StatusSettled, sale.StatusCancelled:
	default:
		if len(s.sale.Items()) > 0 {
			return fmt.Errorf("current sale is %s; settle or cancel it first", s.sale.Status())
		}
	}
	if len(s.prompts) > 0 {
		return errors.New("approvals are still open")
	}
	s.sale = sale.New()
	s.checkout = nil
	s.out.printf("new sale %s\n", s.sale.ID())
	return nil
}

func (s *session) currentSale() *sale.Sale {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sale
}

// currentCheckout returns the checkout for the open sale, starting one
// on the first payment step.
func (s *session) currentCheckout() (*checkout.Orchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkout != nil {
		return s.checkout, nil
	}
	if s.sale.Status() != sale.StatusOpen {
		return nil, sale.ErrNotOpen
	}
	if len(s.sale.Items()) == 0 {
		return nil, sale.ErrEmpty
	}
	co, err := checkout.New(s.sale, s.settler, s.clients, s.authorizer, s.identity, s.logger)
	if err != nil {
		return nil, err
	}
	s.checkout = co
	return co, nil
}

// dropCheckout forgets co if it is still the current checkout, so the
// next payment step starts from the current cart total.
func (s *session) dropCheckout(co *checkout.Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkout == co {
		s.checkout = nil
	}
}

// cartChanged restarts payment when the total moved under an open
// checkout. A checkout busy with settlement is left alone; it is
// revisited once its override resolves.
func (s *session) cartChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkout == nil {
		return
	}
	if s.sale.Status() == sale.StatusCancelled {
		s.checkout = nil
		return
	}
	switch s.checkout.State() {
	case checkout.StateCollecting, checkout.StateCompleteReady, checkout.StateFailed:
	default:
		return
	}
	if s.checkout.Ledger().Total == s.sale.Total() {
		return
	}
	if len(s.checkout.Ledger().Tenders) > 0 {
		s.out.printf("cart changed; tenders cleared\n")
	}
	s.checkout = nil
}

func (s *session) cancellation() *cancellation.Orchestrator {
	return cancellation.New(s.currentSale(), s.authorizer, s.logger)
}

func (s *session) lineAt(arg string) (sale.Item, error) {
	n, err := strconv.Atoi(arg)
	items := s.currentSale().Items()
	if err != nil || n < 1 || n > len(items) {
		return sale.Item{}, fmt.Errorf("%w: %s", sale.ErrLineNotFound, arg)
	}
	return items[n-1], nil
}

func (s *session) openPrompt(label string, a *authz.Authorization) *prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPrompt++
	p := &prompt{id: s.nextPrompt, label: label, auth: a, done: make(chan struct{})}
	s.prompts[p.id] = p
	return p
}

func (s *session) promptAt(arg string) (*prompt, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: approval number expected", errUsage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[n]
	if !ok {
		return nil, fmt.Errorf("no open approval %d", n)
	}
	return p, nil
}

// follow runs fn in the background until the prompt resolves, bounded
// by the approval timeout when one is set.
func (s *session) follow(ctx context.Context, p *prompt, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.prompts, p.id)
			s.mu.Unlock()
			close(p.done)
		}()

		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.approvalTimeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, s.approvalTimeout)
		}
		defer cancel()
		fn(waitCtx)
	}()
}

func (s *session) openPrompts() []*prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
