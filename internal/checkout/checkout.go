package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pdv_terminal/internal/authz"
	"pdv_terminal/internal/credit"
	"pdv_terminal/internal/ledger"
	"pdv_terminal/internal/money"
	"pdv_terminal/internal/pdvapi"
	"pdv_terminal/internal/sale"

	"go.uber.org/zap"
)

type State string

const (
	StateCollecting       State = "collecting_tender"
	StateCompleteReady    State = "complete_ready"
	StateSubmitting       State = "submitting"
	StateAwaitingOverride State = "awaiting_override"
	StateSettled          State = "settled"
	StateFailed           State = "failed"
)

var (
	ErrBusy              = errors.New("settlement is in progress")
	ErrSettled           = errors.New("sale is already settled")
	ErrNotReady          = errors.New("payment is not complete")
	ErrNoOverride        = errors.New("no override is pending")
	ErrTotalChanged      = errors.New("cart total changed since payment started")
	ErrClientMismatch    = errors.New("client does not match the store credit tender")
	ErrClientNotVerified = errors.New("client must confirm their PIN before paying on store credit")
)

type Settler interface {
	FinalizeSale(ctx context.Context, req pdvapi.SettlementRequest) (pdvapi.SettlementReceipt, error)
}

// ClientVerifier checks the PIN a client types before a store credit
// tender is accepted.
type ClientVerifier interface {
	VerifyCredential(ctx context.Context, clientID, pin string) (pdvapi.ClientSnapshot, error)
}

type Authorizer interface {
	Request(ctx context.Context, kind authz.Kind, payload any) (*authz.Authorization, error)
}

// Session is the identity every settlement call carries.
type Session struct {
	ID         string
	PdvID      string
	OperatorID string
}

// Receipt is what a settled sale hands back to the operator.
type Receipt struct {
	SaleID   string
	RemoteID string
	Status   string
	Total    money.Cents
	Paid     money.Cents
	Change   money.Cents
	Override *authz.Resolution
}

// Orchestrator drives one sale from tender collection to settlement.
// It owns the payment ledger; the sale is shared with the cancellation
// flow but only frozen while a settlement call is in flight.
type Orchestrator struct {
	sale       *sale.Sale
	settler    Settler
	clients    ClientVerifier
	authorizer Authorizer
	session    Session
	logger     *zap.Logger

	mu       sync.Mutex
	ledger   *ledger.Ledger
	state    State
	account  *credit.Account
	verified string
	override *authz.Authorization
	lastErr  error
	receipt  Receipt
}

func New(s *sale.Sale, settler Settler, clients ClientVerifier, authorizer Authorizer, session Session, logger *zap.Logger) (*Orchestrator, error) {
	l, err := ledger.New(s.Total())
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		sale:       s,
		settler:    settler,
		clients:    clients,
		authorizer: authorizer,
		session:    session,
		logger:     logger.Named("checkout").With(zap.String("sale_id", s.ID())),
		ledger:     l,
	}
	o.state = o.idleState()
	return o, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Ledger() ledger.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger.State()
}

// Err is the reason of the last failed settlement attempt.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) Receipt() (Receipt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.receipt, o.state == StateSettled
}

// PendingOverride returns the credit override waiting for a manager, or
// nil outside awaiting_override.
func (o *Orchestrator) PendingOverride() *authz.Authorization {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.override
}

// AddTender records a payment. Store credit is only accepted for the
// client who confirmed their PIN; an empty clientRef defaults to them.
func (o *Orchestrator) AddTender(kind ledger.Kind, amount money.Cents, clientRef string) (ledger.State, error) {
	return o.mutateLedger(func(l *ledger.Ledger) (ledger.State, error) {
		ref, err := o.creditRefLocked(kind, clientRef)
		if err != nil {
			return l.State(), err
		}
		return l.AddTender(kind, amount, ref)
	})
}

func (o *Orchestrator) PayRemainder(kind ledger.Kind, clientRef string) (ledger.State, error) {
	return o.mutateLedger(func(l *ledger.Ledger) (ledger.State, error) {
		ref, err := o.creditRefLocked(kind, clientRef)
		if err != nil {
			return l.State(), err
		}
		return l.PayRemainder(kind, ref)
	})
}

func (o *Orchestrator) RemoveTender(index int) (ledger.State, error) {
	return o.mutateLedger(func(l *ledger.Ledger) (ledger.State, error) {
		_, err := l.RemoveTender(index)
		return l.State(), err
	})
}

// DropCreditTenders removes every store credit tender, the usual step
// after a refused override.
func (o *Orchestrator) DropCreditTenders() (ledger.State, error) {
	return o.mutateLedger(func(l *ledger.Ledger) (ledger.State, error) {
		if n := l.RemoveKind(ledger.KindStoreCredit); n > 0 {
			o.logger.Info("store credit tenders removed", zap.Int("count", n))
		}
		return l.State(), nil
	})
}

// SetClient attaches the credit snapshot used for the local pre-check of
// store credit tenders. Attaching another client drops the PIN
// confirmation of the previous one.
func (o *Orchestrator) SetClient(account credit.Account) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.attachableLocked(account.ID); err != nil {
		return err
	}
	if account.ID != o.verified {
		o.verified = ""
	}
	o.account = &account
	return nil
}

// VerifyClient checks the client's PIN and, when it matches, attaches
// the returned snapshot and unlocks store credit tenders for that client.
func (o *Orchestrator) VerifyClient(ctx context.Context, clientID, pin string) (credit.Account, error) {
	o.mu.Lock()
	err := o.attachableLocked(clientID)
	o.mu.Unlock()
	if err != nil {
		return credit.Account{}, err
	}

	snapshot, err := o.clients.VerifyCredential(ctx, clientID, pin)
	if err != nil {
		o.logger.Info("client pin not confirmed", zap.String("client_id", clientID), zap.Error(err))
		return credit.Account{}, err
	}
	account := AccountFromSnapshot(snapshot)
	if account.ID == "" {
		account.ID = clientID
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.attachableLocked(account.ID); err != nil {
		return credit.Account{}, err
	}
	o.account = &account
	o.verified = account.ID
	o.logger.Info("client pin confirmed", zap.String("client_id", account.ID))
	return account, nil
}

// AccountFromSnapshot maps the registry view of a client to what the
// credit guard evaluates.
func AccountFromSnapshot(c pdvapi.ClientSnapshot) credit.Account {
	return credit.Account{
		ID:          c.ID.String(),
		Name:        c.Name,
		CreditLimit: c.CreditLimit,
		Available:   c.AvailableLimit,
		Blocked:     c.Blocked(),
		TrustMode:   c.TrustMode,
	}
}

// Confirm submits the settlement. A credit policy failure, found locally
// or answered by the server, leaves the orchestrator in
// awaiting_override with a pending credit_override request.
func (o *Orchestrator) Confirm(ctx context.Context) (State, error) {
	o.mu.Lock()
	switch o.state {
	case StateCollecting, StateCompleteReady, StateFailed:
	case StateSettled:
		o.mu.Unlock()
		return StateSettled, ErrSettled
	default:
		state := o.state
		o.mu.Unlock()
		return state, ErrBusy
	}

	if err := o.ledger.Ready(); err != nil {
		state := o.state
		o.mu.Unlock()
		return state, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if total := o.sale.Total(); total != o.ledger.Total() {
		state := o.state
		o.mu.Unlock()
		return state, fmt.Errorf("%w: %s != %s", ErrTotalChanged, total, o.ledger.Total())
	}

	o.state = StateSubmitting
	if decision, ok := o.precheckLocked(); ok && decision.RequiresOverride() {
		o.logger.Info("credit pre-check requires override",
			zap.String("outcome", string(decision.Outcome)),
			zap.Stringer("shortfall", decision.Shortfall),
		)
		o.mu.Unlock()
		return o.requestOverride(ctx, decision.String(), decision.Shortfall)
	}
	o.mu.Unlock()

	return o.submit(ctx, nil)
}

// AwaitOverride blocks until the pending override resolves. On approval
// the settlement is resubmitted once with the approval attached; any
// other outcome returns to complete_ready with the tenders untouched.
func (o *Orchestrator) AwaitOverride(ctx context.Context) (authz.Resolution, error) {
	a := o.PendingOverride()
	if a == nil {
		return authz.Resolution{}, ErrNoOverride
	}

	res := a.Wait(ctx)

	o.mu.Lock()
	if o.override != a {
		// Another caller already consumed this resolution.
		o.mu.Unlock()
		return res, nil
	}
	o.override = nil
	if !res.Approved() {
		o.state = o.idleState()
		o.mu.Unlock()
		o.logger.Info("credit override not granted", zap.String("status", string(res.Status)))
		return res, nil
	}
	if total := o.sale.Total(); total != o.ledger.Total() {
		o.state = o.idleState()
		o.lastErr = fmt.Errorf("%w: %s != %s", ErrTotalChanged, total, o.ledger.Total())
		err := o.lastErr
		o.mu.Unlock()
		o.logger.Warn("approved override not used, cart changed", zap.Error(err))
		return res, err
	}
	o.state = StateSubmitting
	o.mu.Unlock()

	_, err := o.submit(ctx, &res)
	return res, err
}

// submit sends the settlement. Callers move the state to submitting
// first so no second submission can start.
func (o *Orchestrator) submit(ctx context.Context, approval *authz.Resolution) (State, error) {
	if err := o.sale.BeginSettlement(); err != nil {
		return o.fail(fmt.Errorf("begin settlement: %w", err))
	}
	o.mu.Lock()
	req := o.requestLocked(approval)
	o.mu.Unlock()

	o.logger.Info("submitting settlement",
		zap.Stringer("total", req.Total),
		zap.Int("payments", len(req.Payments)),
		zap.Bool("override", approval != nil),
	)
	receipt, err := o.settler.FinalizeSale(ctx, req)
	if err == nil {
		return o.settled(receipt, approval)
	}

	if abortErr := o.sale.AbortSettlement(); abortErr != nil {
		o.logger.Error("reopen sale after failed settlement", zap.Error(abortErr))
	}

	var policy *pdvapi.PolicyError
	if errors.As(err, &policy) && approval == nil {
		o.logger.Info("settlement refused by credit policy",
			zap.Int("code", policy.Code),
			zap.String("reason", policy.Reason),
		)
		_, amount := o.creditAmount()
		return o.requestOverride(ctx, policy.Reason, o.shortfall(amount))
	}

	o.logger.Warn("settlement failed", zap.Error(err))
	return o.fail(err)
}

func (o *Orchestrator) fail(err error) (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateFailed
	o.lastErr = err
	return StateFailed, err
}

func (o *Orchestrator) settled(r pdvapi.SettlementReceipt, approval *authz.Resolution) (State, error) {
	if err := o.sale.MarkSettled(r.ID.String()); err != nil {
		o.logger.Error("mark sale settled", zap.Error(err))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.ledger.State()
	o.receipt = Receipt{
		SaleID:   o.sale.ID(),
		RemoteID: r.ID.String(),
		Status:   r.Status,
		Total:    st.Total,
		Paid:     st.Paid,
		Change:   st.Change,
		Override: approval,
	}
	o.state = StateSettled
	o.lastErr = nil
	o.logger.Info("sale settled",
		zap.String("remote_id", o.receipt.RemoteID),
		zap.Stringer("change", o.receipt.Change),
	)
	return StateSettled, nil
}

func (o *Orchestrator) requestOverride(ctx context.Context, reason string, shortfall money.Cents) (State, error) {
	client, amount := o.creditAmount()
	a, err := o.authorizer.Request(ctx, authz.KindCreditOverride, authz.CreditOverridePayload{
		SaleID:    o.sale.ID(),
		ClientID:  client,
		Amount:    amount,
		Shortfall: shortfall,
		Reason:    reason,
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.state = StateFailed
		o.lastErr = fmt.Errorf("request credit override: %w", err)
		return o.state, o.lastErr
	}
	o.state = StateAwaitingOverride
	o.override = a
	o.lastErr = nil
	return o.state, nil
}

func (o *Orchestrator) requestLocked(approval *authz.Resolution) pdvapi.SettlementRequest {
	items := o.sale.Items()
	lines := make([]pdvapi.SaleLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, pdvapi.SaleLine{
			ProductRef: item.ProductRef,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		})
	}

	tenders := o.ledger.Tenders()
	payments := make([]pdvapi.Payment, 0, len(tenders))
	for _, t := range tenders {
		payments = append(payments, pdvapi.Payment{Kind: string(t.Kind), Amount: t.Amount})
	}

	req := pdvapi.SettlementRequest{
		SaleID:     o.sale.ID(),
		SessionID:  o.session.ID,
		PdvID:      o.session.PdvID,
		OperatorID: o.session.OperatorID,
		Lines:      lines,
		Payments:   payments,
		Total:      o.ledger.Total(),
	}
	if client, _, ok := o.ledger.CreditClient(); ok {
		req.ClientID = &client
	} else if o.account != nil {
		id := o.account.ID
		req.ClientID = &id
	}
	if approval != nil {
		req.Override = &pdvapi.OverrideBlock{
			RequestID:     approval.RequestID,
			CorrelationID: approval.CorrelationID,
			ApproverID:    approval.ApproverID,
			Secret:        approval.Secret(),
			Path:          string(approval.Path),
		}
	}
	return req
}

// precheckLocked runs the credit guard when the ledger charges the
// client whose snapshot is attached.
func (o *Orchestrator) precheckLocked() (credit.Decision, bool) {
	client, amount, ok := o.ledger.CreditClient()
	if !ok || o.account == nil || o.account.ID != client {
		return credit.Decision{}, false
	}
	return credit.Evaluate(*o.account, amount), true
}

func (o *Orchestrator) creditAmount() (string, money.Cents) {
	o.mu.Lock()
	defer o.mu.Unlock()
	client, amount, _ := o.ledger.CreditClient()
	return client, amount
}

// shortfall is only known when a snapshot of the charged client exists.
func (o *Orchestrator) shortfall(amount money.Cents) money.Cents {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.account == nil || o.account.TrustMode {
		return 0
	}
	return money.Max(0, amount-o.account.Available)
}

func (o *Orchestrator) mutateLedger(fn func(*ledger.Ledger) (ledger.State, error)) (ledger.State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.editableLocked(); err != nil {
		return o.ledger.State(), err
	}
	st, err := fn(o.ledger)
	if err == nil || o.state != StateFailed {
		o.state = o.idleState()
	}
	return st, err
}

func (o *Orchestrator) creditRefLocked(kind ledger.Kind, clientRef string) (string, error) {
	clientRef = strings.TrimSpace(clientRef)
	if kind != ledger.KindStoreCredit {
		return clientRef, nil
	}
	if clientRef == "" {
		clientRef = o.verified
	}
	if clientRef == "" || clientRef != o.verified {
		return clientRef, ErrClientNotVerified
	}
	return clientRef, nil
}

func (o *Orchestrator) attachableLocked(clientID string) error {
	if err := o.editableLocked(); err != nil {
		return err
	}
	if ref, _, ok := o.ledger.CreditClient(); ok && ref != clientID {
		return fmt.Errorf("%w: %s != %s", ErrClientMismatch, clientID, ref)
	}
	return nil
}

func (o *Orchestrator) editableLocked() error {
	switch o.state {
	case StateSubmitting, StateAwaitingOverride:
		return ErrBusy
	case StateSettled:
		return ErrSettled
	}
	return nil
}

func (o *Orchestrator) idleState() State {
	if o.ledger.Complete() {
		return StateCompleteReady
	}
	return StateCollecting
}
