package terminal

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"pdv_terminal/internal/authz"
	"pdv_terminal/internal/channel"
	"pdv_terminal/internal/checkout"
	"pdv_terminal/internal/pdvapi"
	"pdv_terminal/internal/sale"

	"go.uber.org/zap/zaptest"
)

type fakeBackend struct {
	mu       sync.Mutex
	settle   []error
	requests []pdvapi.SettlementRequest
}

func (f *fakeBackend) FinalizeSale(_ context.Context, req pdvapi.SettlementRequest) (pdvapi.SettlementReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.settle) > 0 {
		err := f.settle[0]
		f.settle = f.settle[1:]
		if err != nil {
			return pdvapi.SettlementReceipt{}, err
		}
	}
	return pdvapi.SettlementReceipt{ID: "981", Status: "concluida"}, nil
}

func (f *fakeBackend) GetClient(_ context.Context, id string) (pdvapi.ClientSnapshot, error) {
	return pdvapi.ClientSnapshot{ID: pdvapi.ID(id), Name: "Ana", CreditLimit: 50000, AvailableLimit: 6000, AccountStatus: pdvapi.AccountActive}, nil
}

func (f *fakeBackend) CreateAuthorizationRequest(context.Context, pdvapi.AuthorizationCreate) (string, error) {
	return "", errors.New("offline")
}

func (f *fakeBackend) VerifyAdmin(_ context.Context, password string) (pdvapi.Approver, error) {
	if password != "4321" {
		return pdvapi.Approver{}, pdvapi.ErrCredentialMismatch
	}
	return pdvapi.Approver{ID: "2", Name: "Gerente"}, nil
}

func (f *fakeBackend) VerifyCredential(_ context.Context, clientID, pin string) (pdvapi.ClientSnapshot, error) {
	if pin != "1111" {
		return pdvapi.ClientSnapshot{}, pdvapi.ErrCredentialMismatch
	}
	return pdvapi.ClientSnapshot{ID: pdvapi.ID(clientID), Name: "Ana", CreditLimit: 500000, AvailableLimit: 200000, AccountStatus: pdvapi.AccountActive}, nil
}

func (f *fakeBackend) settlements() []pdvapi.SettlementRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pdvapi.SettlementRequest(nil), f.requests...)
}

type noNotifier struct{}

func (noNotifier) Subscribe(channel.Predicate, channel.Handler) func() { return func() {} }

func runScript(t *testing.T, backend *fakeBackend, script string) string {
	t.Helper()
	logger := zaptest.NewLogger(t)
	broker := authz.New(backend, backend, noNotifier{}, authz.Session{PdvID: "1"}, logger)

	var out bytes.Buffer
	s := newSession(&out, logger, backend, backend, broker, checkout.Session{PdvID: "1", OperatorID: "op"})
	if err := runREPL(context.Background(), s, strings.NewReader(script)); err != nil {
		t.Fatalf("repl: %v", err)
	}
	return out.String()
}

func expectLines(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Fatalf("output missing %q:\n%s", w, out)
		}
	}
}

func TestCashSaleWithChange(t *testing.T) {
	backend := &fakeBackend{}
	out := runScript(t, backend, strings.Join([]string{
		"item p1 1 45,50 Cafe",
		"confirm",
		"pay cash 50",
		"confirm",
		"exit",
	}, "\n"))

	expectLines(t, out,
		"+ Cafe x1 @ 45.50 = 45.50 | total 45.50",
		"! payment is not complete",
		"total 45.50 paid 50.00 remainder 0.00 change 4.50 [complete_ready]",
		"sale settled #981 total 45.50 paid 50.00 change 4.50",
	)
	if len(backend.requests) != 1 {
		t.Fatalf("expected one settlement, got %d", len(backend.requests))
	}
}

func TestCreditOverrideApprovedAtTerminal(t *testing.T) {
	backend := &fakeBackend{settle: []error{pdvapi.NewPolicyError(402, "Limite excedido")}}
	out := runScript(t, backend, strings.Join([]string{
		"item p1 1 100",
		"pay credit rest 5",
		"client 5 0000",
		"client 5 1111",
		"pay credit rest",
		"confirm",
		"auth 1 0000",
		"auth 1 4321",
		"status",
	}, "\n"))

	expectLines(t, out,
		"! store credit needs the client pin first",
		"! wrong client pin, try again",
		"client 5 Ana: available 2000.00, store credit allowed",
		"total 100.00 paid 100.00 remainder 0.00 change 0.00 [complete_ready]",
		"credit needs manager approval [1]",
		"! wrong manager password, try again",
		"override approved (local)",
		"sale settled #981",
	)
	if len(backend.requests) != 2 || backend.requests[1].Override == nil {
		t.Fatalf("expected a resubmission with the override, got %+v", backend.requests)
	}
}

func TestCreditPrecheckThenDismiss(t *testing.T) {
	backend := &fakeBackend{}
	out := runScript(t, backend, strings.Join([]string{
		"item p1 1 100",
		"client 5 1111",
		"pay credit 100 5",
		"client 5",
		"confirm",
		"dismiss 1",
		"drop credit",
	}, "\n"))

	expectLines(t, out,
		"client 5 Ana: available 60.00",
		"credit needs manager approval [1]",
		"override cancelled; choose another tender",
		"total 100.00 paid 0.00 remainder 100.00 change 0.00 [collecting_tender]",
	)
	if len(backend.requests) != 0 {
		t.Fatalf("pre-check must not call the server")
	}
}

func TestRemovalNeedsApproval(t *testing.T) {
	out := runScript(t, &fakeBackend{}, strings.Join([]string{
		"item p1 3 10 Pao",
		"remove 1 5",
		"remove 1 2",
		"auth 1 4321",
		"list",
	}, "\n"))

	expectLines(t, out,
		"! quantity to remove exceeds line quantity",
		"remove 2 x Pao needs manager approval [1]",
		"remove 2 x Pao: approved (local), total 10.00",
		"1) Pao x1 @ 10.00 = 10.00",
	)
}

func TestCancelSaleDismissedThenApproved(t *testing.T) {
	out := runScript(t, &fakeBackend{}, strings.Join([]string{
		"item p1 1 10",
		"cancel",
		"dismiss 1",
		"cancel",
		"auth 2 4321",
		"pay cash 10",
		"new",
	}, "\n"))

	expectLines(t, out,
		"cancel sale: cancelled, cart unchanged",
		"cancel sale: approved (local)",
		"! sale is not open",
		"new sale ",
	)
}

func TestUnknownCommandAndUsage(t *testing.T) {
	out := runScript(t, &fakeBackend{}, "bogus\npay cash\nauth 9 1\nauth 9 1 1\n")
	expectLines(t, out,
		`! unknown command "bogus"`,
		"! usage: pay",
		"! no open approval 9",
		"! usage: auth <approval #> <password>",
	)
}

func TestExitDismissesOpenApprovals(t *testing.T) {
	out := runScript(t, &fakeBackend{}, "item p1 1 10\ncancel\nexit\n")
	expectLines(t, out, "cancel sale: cancelled, cart unchanged")
}

func TestRemovalDuringOverrideDoesNotStrandSale(t *testing.T) {
	backend := &fakeBackend{}
	out := runScript(t, backend, strings.Join([]string{
		"item p1 2 50",
		"client 5 1111",
		"pay credit 100 5",
		"client 5",
		"confirm",
		"remove 1 1",
		"auth 2 4321",
		"dismiss 1",
		"drop credit",
		"pay cash rest",
		"confirm",
		"new",
	}, "\n"))

	expectLines(t, out,
		"credit needs manager approval [1]",
		"remove 1 x p1: approved (local), total 50.00",
		"override cancelled; choose another tender",
		"cart changed; tenders cleared",
		"total 50.00 paid 50.00 remainder 0.00 change 0.00 [complete_ready]",
		"sale settled #981 total 50.00",
		"new sale ",
	)
	calls := backend.settlements()
	if len(calls) != 1 || calls[0].Total != 5000 {
		t.Fatalf("expected one settlement of 50.00, got %+v", calls)
	}
}

func TestConfirmAfterCartChangeStartsOver(t *testing.T) {
	backend := &fakeBackend{settle: []error{errors.New("connection reset")}}
	out := runScript(t, backend, strings.Join([]string{
		"item p1 1 10",
		"pay cash 10",
		"confirm",
		"item p2 1 5",
		"pay cash rest",
		"confirm",
	}, "\n"))

	expectLines(t, out,
		"! connection reset",
		"cart changed; tenders cleared",
		"total 15.00 paid 15.00 remainder 0.00 change 0.00 [complete_ready]",
		"sale settled #981 total 15.00",
	)
}

func TestConfirmDropsStaleCheckout(t *testing.T) {
	backend := &fakeBackend{}
	logger := zaptest.NewLogger(t)
	broker := authz.New(backend, backend, noNotifier{}, authz.Session{PdvID: "1"}, logger)
	var out bytes.Buffer
	s := newSession(&out, logger, backend, backend, broker, checkout.Session{PdvID: "1"})

	ctx := context.Background()
	s.handle(ctx, "item p1 1 10")
	s.handle(ctx, "pay cash 10")
	// Change the cart behind the session's back.
	if _, err := s.currentSale().AddItem(sale.Item{ProductRef: "p2", Quantity: 1, UnitPrice: 500}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	s.handle(ctx, "confirm")
	expectLines(t, out.String(), "! cart changed after payment started; start payment again")
	s.mu.Lock()
	stale := s.checkout != nil
	s.mu.Unlock()
	if stale {
		t.Fatalf("stale checkout must be dropped")
	}

	s.handle(ctx, "pay cash rest")
	s.handle(ctx, "confirm")
	expectLines(t, out.String(), "sale settled #981 total 15.00")
	s.close()
}
