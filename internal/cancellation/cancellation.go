package cancellation

import (
	"context"
	"fmt"
	"sync"

	"pdv_terminal/internal/authz"
	"pdv_terminal/internal/sale"

	"go.uber.org/zap"
)

type Authorizer interface {
	Request(ctx context.Context, kind authz.Kind, payload any) (*authz.Authorization, error)
}

// Orchestrator asks for manager approval before taking items off a sale
// or cancelling it.
type Orchestrator struct {
	sale       *sale.Sale
	authorizer Authorizer
	logger     *zap.Logger
}

func New(s *sale.Sale, authorizer Authorizer, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sale:       s,
		authorizer: authorizer,
		logger:     logger.Named("cancellation").With(zap.String("sale_id", s.ID())),
	}
}

// RemoveItem requests approval to take qty units off a line. Invalid
// quantities are rejected before any request is created.
func (o *Orchestrator) RemoveItem(ctx context.Context, lineID string, qty int) (*Pending, error) {
	if err := o.sale.ValidateRemoval(lineID, qty); err != nil {
		return nil, err
	}
	item, _ := o.sale.Item(lineID)

	a, err := o.authorizer.Request(ctx, authz.KindRemoveItem, authz.RemoveItemPayload{
		SaleID:           o.sale.ID(),
		LineID:           lineID,
		ProductRef:       item.ProductRef,
		ProductName:      item.Name,
		TotalQuantity:    item.Quantity,
		QuantityToRemove: qty,
	})
	if err != nil {
		return nil, fmt.Errorf("request item removal: %w", err)
	}

	o.logger.Info("item removal awaiting approval",
		zap.String("line_id", lineID),
		zap.Int("quantity", qty),
	)
	return newPending(a, func() error {
		return o.sale.RemoveQuantity(lineID, qty)
	}, o.logger), nil
}

// CancelSale requests approval to cancel the whole sale.
func (o *Orchestrator) CancelSale(ctx context.Context) (*Pending, error) {
	if o.sale.Status() != sale.StatusOpen {
		return nil, sale.ErrNotOpen
	}

	a, err := o.authorizer.Request(ctx, authz.KindCancelSale, authz.CancelSalePayload{
		SaleID: o.sale.ID(),
		Total:  o.sale.Total(),
		Lines:  len(o.sale.Items()),
	})
	if err != nil {
		return nil, fmt.Errorf("request sale cancellation: %w", err)
	}

	o.logger.Info("sale cancellation awaiting approval")
	return newPending(a, o.sale.Cancel, o.logger), nil
}

// Outcome reports how a pending action ended.
type Outcome struct {
	Resolution authz.Resolution
	Applied    bool
}

// Pending is an action waiting for its authorization. The cart only
// changes on approval, and only once.
type Pending struct {
	auth   *authz.Authorization
	apply  func() error
	logger *zap.Logger

	once    sync.Once
	outcome Outcome
	err     error
}

func newPending(a *authz.Authorization, apply func() error, logger *zap.Logger) *Pending {
	return &Pending{auth: a, apply: apply, logger: logger}
}

func (p *Pending) Authorization() *authz.Authorization {
	return p.auth
}

// Await waits for the authorization and applies the action if it was
// approved. Later calls return the first outcome.
func (p *Pending) Await(ctx context.Context) (Outcome, error) {
	res := p.auth.Wait(ctx)

	p.once.Do(func() {
		p.outcome.Resolution = res
		if !res.Approved() {
			p.logger.Info("action not approved, cart untouched",
				zap.String("kind", string(res.Kind)),
				zap.String("status", string(res.Status)),
			)
			return
		}
		if err := p.apply(); err != nil {
			p.err = fmt.Errorf("apply approved %s: %w", res.Kind, err)
			p.logger.Warn("approved action could not be applied", zap.Error(err))
			return
		}
		p.outcome.Applied = true
		p.logger.Info("approved action applied",
			zap.String("kind", string(res.Kind)),
			zap.String("path", string(res.Path)),
		)
	})
	return p.outcome, p.err
}
