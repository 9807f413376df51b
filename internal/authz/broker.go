package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pdv_terminal/internal/channel"
	"pdv_terminal/internal/pdvapi"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// earlyLimit bounds the completions buffered while the create call is
// still in flight.
const earlyLimit = 32

type RequestCreator interface {
	CreateAuthorizationRequest(ctx context.Context, req pdvapi.AuthorizationCreate) (string, error)
}

// CredentialVerifier resolves a manager password to the approver it
// belongs to.
type CredentialVerifier interface {
	VerifyAdmin(ctx context.Context, password string) (pdvapi.Approver, error)
}

// Notifier delivers completion pushes. The returned func stops delivery.
type Notifier interface {
	Subscribe(predicate channel.Predicate, handler channel.Handler) (unsubscribe func())
}

// Session identifies the terminal that asks for approval.
type Session struct {
	ID         string
	PdvID      string
	OperatorID string
}

// Broker opens authorization requests. Each request races a manager
// credential typed at the terminal against a remote approval pushed over
// the notification channel; the first answer wins.
type Broker struct {
	creator  RequestCreator
	verifier CredentialVerifier
	notifier Notifier
	session  Session
	logger   *zap.Logger
	now      func() time.Time
}

func New(creator RequestCreator, verifier CredentialVerifier, notifier Notifier, session Session, logger *zap.Logger) *Broker {
	return &Broker{
		creator:  creator,
		verifier: verifier,
		notifier: notifier,
		session:  session,
		logger:   logger.Named("authz"),
		now:      time.Now,
	}
}

// WithSession returns a broker that stamps requests with another
// terminal identity.
func (b *Broker) WithSession(session Session) *Broker {
	clone := *b
	clone.session = session
	return &clone
}

func (b *Broker) Session() Session {
	return b.session
}

// Request opens a new authorization with a fresh correlation id. It only
// fails on bad input; a failing create call degrades the request to the
// local credential path.
func (b *Broker) Request(ctx context.Context, kind Kind, payload any) (*Authorization, error) {
	switch kind {
	case KindRemoveItem, KindCancelSale, KindCreditOverride:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	details, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &Authorization{
		broker:        b,
		kind:          kind,
		details:       details,
		correlationID: uuid.NewString(),
		ctx:           runCtx,
		cancel:        cancel,
		state:         StateIdle,
		done:          make(chan struct{}),
	}
	a.logger = b.logger.With(
		zap.String("correlation_id", a.correlationID),
		zap.String("kind", string(kind)),
	)

	a.mu.Lock()
	a.state = StateRequesting
	a.unsubscribe = b.notifier.Subscribe(channel.OfType(pdvapi.EventRequestCompleted), a.onMessage)
	a.state = StateAwaiting
	a.mu.Unlock()

	a.logger.Info("authorization requested")
	go a.createRemote()

	return a, nil
}

// Authorization is one pending sensitive action. All methods are safe
// for concurrent use; the terminal transition happens exactly once.
type Authorization struct {
	broker        *Broker
	kind          Kind
	details       json.RawMessage
	correlationID string
	logger        *zap.Logger

	// ctx is cancelled on resolution and aborts whatever is still in
	// flight for this request.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	requestID   string
	remoteErr   error
	early       []pdvapi.Completion
	resolution  Resolution
	unsubscribe func()
	done        chan struct{}
}

func (a *Authorization) Kind() Kind {
	return a.kind
}

func (a *Authorization) CorrelationID() string {
	return a.correlationID
}

// RequestID is the server id of the remote request, empty until the
// create call returns.
func (a *Authorization) RequestID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestID
}

func (a *Authorization) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// RemoteAvailable reports false once the create call failed and only the
// local credential can resolve the request.
func (a *Authorization) RemoteAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteErr == nil
}

// Done is closed when the request resolves.
func (a *Authorization) Done() <-chan struct{} {
	return a.done
}

// Resolution returns the outcome, or a pending resolution while the
// request is still open.
func (a *Authorization) Resolution() Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateResolved {
		return Resolution{Status: StatusPending, Kind: a.kind, CorrelationID: a.correlationID, RequestID: a.requestID}
	}
	return a.resolution
}

// Wait blocks until the request resolves. If ctx ends first the request
// is resolved unless another path won in the meantime. Plain cancellation
// gives cancelled. A deadline gives timed_out, not cancelled; a caller
// that wants its UI timeout reported as cancelled calls Cancel instead of
// relying on the deadline.
func (a *Authorization) Wait(ctx context.Context) Resolution {
	select {
	case <-a.done:
	case <-ctx.Done():
		status := StatusCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = StatusTimedOut
		}
		a.resolve(Resolution{Status: status, Path: PathOperator})
	}
	return a.Resolution()
}

// Cancel resolves the request as dismissed by the operator. It reports
// whether this call was the one that resolved it.
func (a *Authorization) Cancel() bool {
	return a.resolve(Resolution{Status: StatusCancelled, Path: PathOperator})
}

// SubmitCredential verifies a manager credential. A wrong credential
// returns ErrCredentialRejected and leaves the request open for another
// try. If the request resolves while verification is in flight, the
// verification result is discarded and the winning resolution returned.
func (a *Authorization) SubmitCredential(ctx context.Context, cred Credential) (Resolution, error) {
	if cred.Secret == "" {
		return a.Resolution(), ErrCredentialRequired
	}

	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	switch state {
	case StateResolved:
		return a.Resolution(), nil
	case StateAwaiting:
	default:
		return a.Resolution(), ErrNotAwaiting
	}

	verifyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	approver, err := a.broker.verifier.VerifyAdmin(verifyCtx, cred.Secret)

	a.mu.Lock()
	if a.state == StateResolved {
		res := a.resolution
		a.mu.Unlock()
		a.logger.Debug("late credential verification discarded",
			zap.String("resolved_by", string(res.Path)),
			zap.Bool("verified", err == nil),
		)
		return res, nil
	}

	if err != nil {
		a.mu.Unlock()
		if errors.Is(err, pdvapi.ErrCredentialMismatch) {
			a.logger.Info("manager credential rejected")
			return a.Resolution(), fmt.Errorf("%w: %w", ErrCredentialRejected, err)
		}
		a.logger.Warn("credential verification failed", zap.Error(err))
		return a.Resolution(), fmt.Errorf("verify credential: %w", err)
	}

	a.resolveLocked(Resolution{
		Status:       StatusApproved,
		Path:         PathLocal,
		ApproverID:   approver.ID.String(),
		ApproverName: approver.Name,
		secret:       cred.Secret,
	})
	res := a.resolution
	a.mu.Unlock()
	a.afterResolve()
	return res, nil
}

func (a *Authorization) createRemote() {
	b := a.broker
	requestID, err := b.creator.CreateAuthorizationRequest(a.ctx, pdvapi.AuthorizationCreate{
		Kind:          string(a.kind),
		Details:       string(a.details),
		PdvID:         b.session.PdvID,
		SessionID:     b.session.ID,
		OperatorID:    b.session.OperatorID,
		CorrelationID: a.correlationID,
	})

	a.mu.Lock()
	if a.state == StateResolved {
		a.mu.Unlock()
		if err == nil {
			a.logger.Debug("remote request created after resolution", zap.String("request_id", requestID))
		}
		return
	}

	if err != nil {
		a.remoteErr = err
		a.early = nil
		a.mu.Unlock()
		a.logger.Warn("remote approval unavailable, local credential only", zap.Error(err))
		return
	}

	a.requestID = requestID
	early := a.early
	a.early = nil

	resolved := false
	for _, c := range early {
		if a.matchesLocked(c) && a.applyCompletionLocked(c) {
			resolved = true
			break
		}
	}
	a.mu.Unlock()

	if resolved {
		a.afterResolve()
		return
	}
	a.logger.Info("remote approval requested", zap.String("request_id", requestID))
}

func (a *Authorization) onMessage(msg channel.Message) {
	c, err := pdvapi.DecodeCompletion(msg.Payload)
	if err != nil {
		a.logger.Warn("ignoring malformed completion", zap.Error(err))
		return
	}

	a.mu.Lock()
	mine := a.matchesLocked(c)

	if a.state == StateResolved {
		res := a.resolution
		a.mu.Unlock()
		if !mine {
			return
		}
		if status, ok := remoteStatus(c.Status); ok && status == res.Status {
			a.logger.Debug("completion for resolved request acknowledged", zap.String("status", c.Status))
		} else {
			a.logger.Warn("late completion ignored",
				zap.String("status", c.Status),
				zap.String("resolved_as", string(res.Status)),
				zap.String("resolved_by", string(res.Path)),
			)
		}
		return
	}

	if !mine {
		// Until the server id is known any uncorrelated completion could
		// be ours.
		if c.CorrelationID == "" && a.requestID == "" && a.remoteErr == nil {
			if len(a.early) == earlyLimit {
				a.early = a.early[1:]
			}
			a.early = append(a.early, c)
		}
		a.mu.Unlock()
		return
	}

	resolved := a.applyCompletionLocked(c)
	a.mu.Unlock()
	if resolved {
		a.afterResolve()
	}
}

// matchesLocked reports whether c answers this request. The correlation
// id wins when the server echoes one.
func (a *Authorization) matchesLocked(c pdvapi.Completion) bool {
	if c.CorrelationID != "" {
		return c.CorrelationID == a.correlationID
	}
	return a.requestID != "" && c.ID.String() == a.requestID
}

// applyCompletionLocked resolves from a remote completion. Callers hold
// a.mu and must call afterResolve when it returns true.
func (a *Authorization) applyCompletionLocked(c pdvapi.Completion) bool {
	status, ok := remoteStatus(c.Status)
	if !ok {
		a.logger.Warn("unknown remote status", zap.String("status", c.Status))
		return false
	}
	if a.requestID == "" {
		a.requestID = c.ID.String()
	}
	return a.resolveLocked(Resolution{
		Status:     status,
		Path:       PathRemote,
		ApproverID: c.ApproverID.String(),
	})
}

func (a *Authorization) resolve(res Resolution) bool {
	a.mu.Lock()
	ok := a.resolveLocked(res)
	a.mu.Unlock()
	if ok {
		a.afterResolve()
	}
	return ok
}

// resolveLocked is the single compare-and-set on the terminal state.
func (a *Authorization) resolveLocked(res Resolution) bool {
	if a.state == StateResolved {
		return false
	}
	res.Kind = a.kind
	res.CorrelationID = a.correlationID
	res.RequestID = a.requestID
	res.ResolvedAt = a.broker.now()

	a.state = StateResolved
	a.resolution = res
	a.early = nil
	close(a.done)
	return true
}

// afterResolve releases what the open request held. It runs outside a.mu
// because unsubscribing takes the notifier's lock.
func (a *Authorization) afterResolve() {
	a.cancel()
	a.mu.Lock()
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	res := a.resolution
	a.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	a.logger.Info("authorization resolved",
		zap.String("request_id", res.RequestID),
		zap.String("status", string(res.Status)),
		zap.String("path", string(res.Path)),
		zap.String("approver_id", res.ApproverID),
	)
}

func remoteStatus(status string) (Status, bool) {
	switch status {
	case pdvapi.RemoteApproved:
		return StatusApproved, true
	case pdvapi.RemoteRejected:
		return StatusRejected, true
	default:
		return "", false
	}
}
