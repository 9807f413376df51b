package authz

import (
	"errors"
	"time"

	"pdv_terminal/internal/money"
)

type Kind string

const (
	KindRemoveItem     Kind = "remove_item"
	KindCancelSale     Kind = "cancel_sale"
	KindCreditOverride Kind = "credit_override"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// State is the broker lifecycle of one request.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateAwaiting   State = "awaiting"
	StateResolved   State = "resolved"
)

// Path names the source that resolved a request.
type Path string

const (
	PathLocal    Path = "local"
	PathRemote   Path = "remote"
	PathOperator Path = "operator"
)

var (
	ErrUnknownKind        = errors.New("unknown authorization kind")
	ErrCredentialRequired = errors.New("manager credential is required")
	ErrCredentialRejected = errors.New("manager credential rejected")
	ErrNotAwaiting        = errors.New("authorization is not awaiting an answer")
)

// Credential is what a manager types at the terminal. The backend works
// out which manager the password belongs to.
type Credential struct {
	Secret string
}

// Resolution is the terminal outcome of a request. It never changes once
// set.
type Resolution struct {
	Status        Status
	Path          Path
	Kind          Kind
	CorrelationID string
	RequestID     string
	// ApproverID is always set for local approvals and only set for
	// remote ones when the push reports who approved.
	ApproverID   string
	ApproverName string
	ResolvedAt   time.Time

	secret string
}

func (r Resolution) Approved() bool {
	return r.Status == StatusApproved
}

// Secret returns the credential that granted a local approval; remote
// approvals have none.
func (r Resolution) Secret() string {
	return r.secret
}

type RemoveItemPayload struct {
	SaleID           string `json:"venda_id"`
	LineID           string `json:"item_id"`
	ProductRef       string `json:"produto_id"`
	ProductName      string `json:"produto_nome,omitempty"`
	TotalQuantity    int    `json:"quantidade_total"`
	QuantityToRemove int    `json:"quantidade_a_remover"`
}

type CancelSalePayload struct {
	SaleID string      `json:"venda_id"`
	Total  money.Cents `json:"valor_total"`
	Lines  int         `json:"itens"`
}

type CreditOverridePayload struct {
	SaleID    string      `json:"venda_id"`
	ClientID  string      `json:"cliente_id"`
	Amount    money.Cents `json:"valor"`
	Shortfall money.Cents `json:"excedente,omitempty"`
	Reason    string      `json:"motivo"`
}
