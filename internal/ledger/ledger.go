package ledger

import (
	"errors"
	"fmt"
	"strings"

	"pdv_terminal/internal/money"
)

type Kind string

const (
	KindCash        Kind = "cash"
	KindCard        Kind = "card"
	KindPix         Kind = "pix"
	KindStoreCredit Kind = "store_credit"
)

var (
	ErrUnknownKind        = errors.New("unknown tender kind")
	ErrNonPositiveAmount  = errors.New("tender amount must be positive")
	ErrExceedsRemainder   = errors.New("tender exceeds remaining amount")
	ErrClientRequired     = errors.New("store credit tender requires a client")
	ErrClientNotAllowed   = errors.New("only store credit tenders carry a client")
	ErrMixedCreditClients = errors.New("store credit tenders must reference one client")
	ErrAlreadyComplete    = errors.New("ledger is already complete")
	ErrIncomplete         = errors.New("ledger is not complete")
	ErrTenderNotFound     = errors.New("tender not found")
	ErrNegativeTotal      = errors.New("sale total cannot be negative")
)

func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "cash", "dinheiro":
		return KindCash, nil
	case "card", "cartao":
		return KindCard, nil
	case "pix":
		return KindPix, nil
	case "store_credit", "credit", "crediario":
		return KindStoreCredit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
	}
}

func (k Kind) Valid() bool {
	switch k {
	case KindCash, KindCard, KindPix, KindStoreCredit:
		return true
	}
	return false
}

// Change is only produced by cash; every other instrument is charged
// for the exact amount.
func (k Kind) allowsChange() bool {
	return k == KindCash
}

type Tender struct {
	Kind      Kind        `json:"forma_pagamento"`
	Amount    money.Cents `json:"valor"`
	ClientRef string      `json:"cliente_id,omitempty"`
}

// State is a read-only snapshot returned after every mutation.
type State struct {
	Total     money.Cents
	Paid      money.Cents
	Remainder money.Cents
	Change    money.Cents
	Complete  bool
	Tenders   []Tender
}

// Ledger accumulates tenders against one sale total. It is owned by a
// single checkout and is not safe for concurrent use.
type Ledger struct {
	total   money.Cents
	tenders []Tender
}

func New(total money.Cents) (*Ledger, error) {
	if total < 0 {
		return nil, ErrNegativeTotal
	}
	return &Ledger{total: total}, nil
}

func (l *Ledger) AddTender(kind Kind, amount money.Cents, clientRef string) (State, error) {
	clientRef = strings.TrimSpace(clientRef)
	if err := l.validate(kind, amount, clientRef); err != nil {
		return l.State(), err
	}

	l.tenders = append(l.tenders, Tender{Kind: kind, Amount: amount, ClientRef: clientRef})
	return l.State(), nil
}

// PayRemainder adds a tender for exactly what is still owed.
func (l *Ledger) PayRemainder(kind Kind, clientRef string) (State, error) {
	if l.Complete() {
		return l.State(), ErrAlreadyComplete
	}
	return l.AddTender(kind, l.Remainder(), clientRef)
}

func (l *Ledger) RemoveTender(index int) (Tender, error) {
	if index < 0 || index >= len(l.tenders) {
		return Tender{}, fmt.Errorf("%w: %d", ErrTenderNotFound, index)
	}
	removed := l.tenders[index]
	l.tenders = append(l.tenders[:index], l.tenders[index+1:]...)
	return removed, nil
}

// RemoveKind drops every tender of the given kind and returns how many
// were removed.
func (l *Ledger) RemoveKind(kind Kind) int {
	kept := l.tenders[:0]
	removed := 0
	for _, t := range l.tenders {
		if t.Kind == kind {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	l.tenders = kept
	return removed
}

func (l *Ledger) Total() money.Cents {
	return l.total
}

func (l *Ledger) Paid() money.Cents {
	var paid money.Cents
	for _, t := range l.tenders {
		paid += t.Amount
	}
	return paid
}

func (l *Ledger) Remainder() money.Cents {
	return money.Max(0, l.total-l.Paid())
}

func (l *Ledger) Change() money.Cents {
	return money.Max(0, l.Paid()-l.total)
}

func (l *Ledger) Complete() bool {
	return l.Remainder() == 0
}

func (l *Ledger) Tenders() []Tender {
	if len(l.tenders) == 0 {
		return nil
	}
	out := make([]Tender, len(l.tenders))
	copy(out, l.tenders)
	return out
}

// CreditClient returns the client referenced by store credit tenders and
// the amount charged to it.
func (l *Ledger) CreditClient() (string, money.Cents, bool) {
	var (
		client string
		amount money.Cents
	)
	for _, t := range l.tenders {
		if t.Kind == KindStoreCredit {
			client = t.ClientRef
			amount += t.Amount
		}
	}
	return client, amount, client != ""
}

func (l *Ledger) State() State {
	return State{
		Total:     l.total,
		Paid:      l.Paid(),
		Remainder: l.Remainder(),
		Change:    l.Change(),
		Complete:  l.Complete(),
		Tenders:   l.Tenders(),
	}
}

// Ready reports whether the ledger may be submitted for settlement.
func (l *Ledger) Ready() error {
	if !l.Complete() {
		return fmt.Errorf("%w: %s remaining", ErrIncomplete, l.Remainder())
	}
	return nil
}

func (l *Ledger) validate(kind Kind, amount money.Cents, clientRef string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if amount <= 0 {
		return ErrNonPositiveAmount
	}
	if l.Complete() {
		return ErrAlreadyComplete
	}
	if !kind.allowsChange() && amount > l.Remainder() {
		return fmt.Errorf("%w: %s > %s", ErrExceedsRemainder, amount, l.Remainder())
	}

	if kind != KindStoreCredit {
		if clientRef != "" {
			return ErrClientNotAllowed
		}
		return nil
	}
	if clientRef == "" {
		return ErrClientRequired
	}
	if current, _, ok := l.CreditClient(); ok && current != clientRef {
		return fmt.Errorf("%w: %s != %s", ErrMixedCreditClients, clientRef, current)
	}
	return nil
}
