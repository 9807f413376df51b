package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pdv_terminal/internal/channel"
	"pdv_terminal/internal/pdvapi"

	"go.uber.org/zap/zaptest"
)

type fakeNotifier struct {
	mu   sync.Mutex
	subs map[int]channel.Handler
	next int
}

func (n *fakeNotifier) Subscribe(predicate channel.Predicate, handler channel.Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]channel.Handler)
	}
	n.next++
	id := n.next
	n.subs[id] = func(m channel.Message) {
		if predicate == nil || predicate(m) {
			handler(m)
		}
	}
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *fakeNotifier) push(msgType string, payload any) {
	raw, _ := json.Marshal(payload)
	n.mu.Lock()
	handlers := make([]channel.Handler, 0, len(n.subs))
	for _, h := range n.subs {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()
	for _, h := range handlers {
		h(channel.Message{Type: msgType, Payload: raw})
	}
}

func (n *fakeNotifier) complete(payload map[string]any) {
	n.push(pdvapi.EventRequestCompleted, payload)
}

func (n *fakeNotifier) subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

type fakeCreator struct {
	mu      sync.Mutex
	gate    chan struct{}
	id      string
	err     error
	created []pdvapi.AuthorizationCreate
	calls   chan struct{}
}

func newCreator(id string) *fakeCreator {
	return &fakeCreator{id: id, calls: make(chan struct{}, 8)}
}

func (c *fakeCreator) CreateAuthorizationRequest(ctx context.Context, req pdvapi.AuthorizationCreate) (string, error) {
	c.mu.Lock()
	c.created = append(c.created, req)
	gate := c.gate
	c.mu.Unlock()
	c.calls <- struct{}{}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.id, c.err
}

func (c *fakeCreator) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-c.calls:
	case <-time.After(3 * time.Second):
		t.Fatalf("create call not issued")
	}
}

type verifierFunc func(ctx context.Context, password string) (pdvapi.Approver, error)

func (f verifierFunc) VerifyAdmin(ctx context.Context, password string) (pdvapi.Approver, error) {
	return f(ctx, password)
}

// pinVerifier accepts one password, owned by manager 9.
func pinVerifier(pin string) verifierFunc {
	return func(_ context.Context, password string) (pdvapi.Approver, error) {
		if password != pin {
			return pdvapi.Approver{}, pdvapi.ErrCredentialMismatch
		}
		return pdvapi.Approver{ID: "9", Name: "Gerente"}, nil
	}
}

func newTestBroker(t *testing.T, creator RequestCreator, verifier CredentialVerifier, notifier Notifier) *Broker {
	t.Helper()
	return New(creator, verifier, notifier, Session{ID: "sess-1", PdvID: "3", OperatorID: "op-7"}, zaptest.NewLogger(t))
}

func waitResolved(t *testing.T, a *Authorization) Resolution {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("authorization did not resolve")
	}
	return a.Resolution()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRequestSendsCorrelatedCreateCall(t *testing.T) {
	notifier := &fakeNotifier{}
	creator := newCreator("17")
	broker := newTestBroker(t, creator, pinVerifier("1234"), notifier)

	a, err := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{SaleID: "s1", LineID: "l1", QuantityToRemove: 1})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if a.State() != StateAwaiting {
		t.Fatalf("expected awaiting, got %s", a.State())
	}
	creator.waitCall(t)
	waitUntil(t, func() bool { return a.RequestID() == "17" })

	creator.mu.Lock()
	sent := creator.created[0]
	creator.mu.Unlock()
	if sent.CorrelationID != a.CorrelationID() || sent.Kind != "remove_item" {
		t.Fatalf("unexpected create body %+v", sent)
	}
	if sent.PdvID != "3" || sent.OperatorID != "op-7" || sent.SessionID != "sess-1" {
		t.Fatalf("session identity missing from %+v", sent)
	}
	var details RemoveItemPayload
	if err := json.Unmarshal([]byte(sent.Details), &details); err != nil || details.LineID != "l1" {
		t.Fatalf("unexpected details %q: %v", sent.Details, err)
	}
}

func TestRequestRejectsUnknownKind(t *testing.T) {
	broker := newTestBroker(t, newCreator("1"), pinVerifier("1"), &fakeNotifier{})
	if _, err := broker.Request(context.Background(), Kind("refund"), nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRemoteApprovalResolves(t *testing.T) {
	notifier := &fakeNotifier{}
	creator := newCreator("17")
	broker := newTestBroker(t, creator, pinVerifier("1234"), notifier)

	a, err := broker.Request(context.Background(), KindCancelSale, CancelSalePayload{SaleID: "s1"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	creator.waitCall(t)
	waitUntil(t, func() bool { return a.RequestID() == "17" })

	// Another terminal's request must not resolve this one.
	notifier.complete(map[string]any{"id": 99, "status": "aprovado"})
	if a.State() == StateResolved {
		t.Fatalf("resolved by an unrelated completion")
	}

	notifier.complete(map[string]any{"id": 17, "status": "aprovado", "autorizado_por_id": 2})
	res := waitResolved(t, a)
	if !res.Approved() || res.Path != PathRemote || res.ApproverID != "2" || res.RequestID != "17" {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if res.Secret() != "" {
		t.Fatalf("remote approvals carry no credential")
	}
	if notifier.subscribers() != 0 {
		t.Fatalf("subscription must be released on resolution")
	}
}

func TestRemoteRejection(t *testing.T) {
	notifier := &fakeNotifier{}
	broker := newTestBroker(t, newCreator("5"), pinVerifier("1234"), notifier)

	a, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})
	notifier.complete(map[string]any{"id": 5, "status": "rejeitado", "correlation_id": a.CorrelationID()})

	res := waitResolved(t, a)
	if res.Status != StatusRejected || res.Path != PathRemote {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestCompletionBeforeCreateReturnsIsBuffered(t *testing.T) {
	notifier := &fakeNotifier{}
	creator := newCreator("41")
	creator.gate = make(chan struct{})
	broker := newTestBroker(t, creator, pinVerifier("1234"), notifier)

	a, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})
	creator.waitCall(t)

	notifier.complete(map[string]any{"id": 40, "status": "rejeitado"})
	notifier.complete(map[string]any{"id": 41, "status": "aprovado"})
	if a.State() == StateResolved {
		t.Fatalf("must not resolve before the server id is known")
	}

	close(creator.gate)
	res := waitResolved(t, a)
	if !res.Approved() || res.RequestID != "41" {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestCreateFailureDegradesToLocalOnly(t *testing.T) {
	notifier := &fakeNotifier{}
	creator := newCreator("")
	creator.err = errors.New("connection refused")
	broker := newTestBroker(t, creator, pinVerifier("1234"), notifier)

	a, err := broker.Request(context.Background(), KindCreditOverride, CreditOverridePayload{})
	if err != nil {
		t.Fatalf("a failing create call must not fail the request: %v", err)
	}
	creator.waitCall(t)
	waitUntil(t, func() bool { return !a.RemoteAvailable() })
	if a.State() != StateAwaiting {
		t.Fatalf("expected awaiting, got %s", a.State())
	}

	res, err := a.SubmitCredential(context.Background(), Credential{Secret: "1234"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Approved() || res.Path != PathLocal || res.ApproverID != "9" || res.ApproverName != "Gerente" || res.Secret() != "1234" {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestWrongCredentialAllowsRetry(t *testing.T) {
	broker := newTestBroker(t, newCreator("1"), pinVerifier("1234"), &fakeNotifier{})
	a, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})
	correlation := a.CorrelationID()

	if _, err := a.SubmitCredential(context.Background(), Credential{}); !errors.Is(err, ErrCredentialRequired) {
		t.Fatalf("expected ErrCredentialRequired, got %v", err)
	}

	_, err := a.SubmitCredential(context.Background(), Credential{Secret: "0000"})
	if !errors.Is(err, ErrCredentialRejected) {
		t.Fatalf("expected ErrCredentialRejected, got %v", err)
	}
	if a.State() != StateAwaiting {
		t.Fatalf("wrong credential must keep the request open, got %s", a.State())
	}

	res, err := a.SubmitCredential(context.Background(), Credential{Secret: "1234"})
	if err != nil || !res.Approved() {
		t.Fatalf("retry failed: %+v %v", res, err)
	}
	if res.CorrelationID != correlation {
		t.Fatalf("retry must keep the correlation id")
	}
}

func TestVerificationTransportErrorKeepsAwaiting(t *testing.T) {
	verifier := verifierFunc(func(context.Context, string) (pdvapi.Approver, error) {
		return pdvapi.Approver{}, fmt.Errorf("dial tcp: timeout")
	})
	broker := newTestBroker(t, newCreator("1"), verifier, &fakeNotifier{})
	a, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})

	_, err := a.SubmitCredential(context.Background(), Credential{Secret: "1234"})
	if err == nil || errors.Is(err, ErrCredentialRejected) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if a.State() != StateAwaiting {
		t.Fatalf("expected awaiting, got %s", a.State())
	}
}

func TestStaleRejectionAfterLocalApprovalIsIgnored(t *testing.T) {
	notifier := &fakeNotifier{}
	creator := newCreator("8")
	broker := newTestBroker(t, creator, pinVerifier("1234"), notifier)

	a, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})
	creator.waitCall(t)
	waitUntil(t, func() bool { return a.RequestID() == "8" })

	res, err := a.SubmitCredential(context.Background(), Credential{Secret: "1234"})
	if err != nil || !res.Approved() {
		t.Fatalf("local approval failed: %+v %v", res, err)
	}

	notifier.complete(map[string]any{"id": 8, "status": "rejeitado", "correlation_id": a.CorrelationID()})
	if got := a.Resolution(); got.Status != StatusApproved || got.Path != PathLocal {
		t.Fatalf("stale event changed the outcome: %+v", got)
	}
}

func TestVerificationFinishingAfterRemoteResolutionIsDiscarded(t *testing.T) {
	notifier := &fakeNotifier{}
	entered := make(chan struct{})
	var sawCancel atomic.Bool
	verifier := verifierFunc(func(ctx context.Context, _ string) (pdvapi.Approver, error) {
		close(entered)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-time.After(3 * time.Second):
		}
		// Report success anyway; the broker must still discard it.
		return pdvapi.Approver{ID: "9"}, nil
	})
	broker := newTestBroker(t, newCreator("12"), verifier, notifier)
	a, _ := broker.Request(context.Background(), KindCancelSale, CancelSalePayload{})

	type result struct {
		res Resolution
		err error
	}
	out := make(chan result, 1)
	go func() {
		res, err := a.SubmitCredential(context.Background(), Credential{Secret: "1234"})
		out <- result{res, err}
	}()
	<-entered

	notifier.complete(map[string]any{"id": 12, "status": "rejeitado", "correlation_id": a.CorrelationID()})
	waitResolved(t, a)

	got := <-out
	if got.err != nil {
		t.Fatalf("late verification must not error the caller: %v", got.err)
	}
	if got.res.Status != StatusRejected || got.res.Path != PathRemote {
		t.Fatalf("expected the remote outcome, got %+v", got.res)
	}
	if !sawCancel.Load() {
		t.Fatalf("in-flight verification must be cancelled on resolution")
	}
}

func TestConcurrentSignalsResolveOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		notifier := &fakeNotifier{}
		broker := newTestBroker(t, newCreator("3"), pinVerifier("1234"), notifier)
		a, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = a.SubmitCredential(context.Background(), Credential{Secret: "1234"})
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			notifier.complete(map[string]any{"id": 3, "status": "aprovado", "correlation_id": a.CorrelationID()})
		}()
		go func() {
			defer wg.Done()
			a.Cancel()
		}()
		wg.Wait()

		first := waitResolved(t, a)
		if first.ResolvedAt.IsZero() {
			t.Fatalf("resolution without timestamp")
		}
		if a.Cancel() {
			t.Fatalf("second cancel must be a no-op")
		}
		if again := a.Resolution(); again != first {
			t.Fatalf("resolution changed: %+v then %+v", first, again)
		}
	}
}

func TestUnrelatedRequestsDoNotInterfere(t *testing.T) {
	notifier := &fakeNotifier{}
	broker := newTestBroker(t, newCreator("100"), pinVerifier("1234"), notifier)

	first, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})
	second, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})

	notifier.complete(map[string]any{"id": 1, "status": "aprovado", "correlation_id": second.CorrelationID()})
	if res := waitResolved(t, second); !res.Approved() {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if first.State() == StateResolved {
		t.Fatalf("first request resolved by another correlation id")
	}
}

func TestWaitMapsContextEndToStatus(t *testing.T) {
	broker := newTestBroker(t, newCreator("1"), pinVerifier("1234"), &fakeNotifier{})

	a, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if res := a.Wait(ctx); res.Status != StatusTimedOut || res.Path != PathOperator {
		t.Fatalf("expected timed out, got %+v", res)
	}

	b, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if res := b.Wait(ctx); res.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}

	c, _ := broker.Request(context.Background(), KindRemoveItem, RemoveItemPayload{})
	if !c.Cancel() {
		t.Fatalf("cancel should resolve an open request")
	}
	if res, err := c.SubmitCredential(context.Background(), Credential{Secret: "1234"}); err != nil || res.Status != StatusCancelled {
		t.Fatalf("credential after cancel must return the outcome: %+v %v", res, err)
	}
}
