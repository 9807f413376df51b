package pdvapi

import (
	"encoding/json"
	"strings"

	"pdv_terminal/internal/money"
)

// ID is a server identifier. The backend emits integer ids; strings are
// accepted too so the terminal does not care which.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

type SaleLine struct {
	ProductRef string      `json:"produto_id"`
	Quantity   int         `json:"quantidade"`
	UnitPrice  money.Cents `json:"preco_unitario"`
}

type Payment struct {
	Kind   string      `json:"forma_pagamento"`
	Amount money.Cents `json:"valor"`
}

// OverrideBlock carries a manager approval for a credit policy
// exception. Secret is only set when the approval was granted with a
// credential typed at the terminal.
type OverrideBlock struct {
	RequestID     string `json:"solicitacao_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
	ApproverID    string `json:"autorizado_por_id,omitempty"`
	Secret        string `json:"admin_senha,omitempty"`
	Path          string `json:"via"`
}

type SettlementRequest struct {
	SaleID     string         `json:"venda_id"`
	SessionID  string         `json:"sessao_id"`
	PdvID      string         `json:"pdv_id"`
	OperatorID string         `json:"operador_id"`
	ClientID   *string        `json:"cliente_id"`
	Lines      []SaleLine     `json:"itens"`
	Payments   []Payment      `json:"pagamentos"`
	Total      money.Cents    `json:"valor_total"`
	Override   *OverrideBlock `json:"autorizacao,omitempty"`
}

type SettlementReceipt struct {
	ID     ID     `json:"id"`
	Status string `json:"status"`
}

type AuthorizationCreate struct {
	Kind          string `json:"tipo"`
	Details       string `json:"detalhes"`
	PdvID         string `json:"pdv_id"`
	SessionID     string `json:"sessao_id,omitempty"`
	OperatorID    string `json:"operador_id"`
	CorrelationID string `json:"correlation_id"`
}

type authorizationCreated struct {
	ID     ID     `json:"id"`
	Status string `json:"status"`
}

// ClientSnapshot is the credit registry view of a client.
type ClientSnapshot struct {
	ID             ID          `json:"id"`
	Name           string      `json:"nome"`
	CreditLimit    money.Cents `json:"limite_credito"`
	AvailableLimit money.Cents `json:"limite_disponivel"`
	AccountStatus  string      `json:"status_conta"`
	TrustMode      bool        `json:"trust_mode"`
}

func (c ClientSnapshot) Blocked() bool {
	return strings.EqualFold(c.AccountStatus, AccountBlocked)
}

const (
	AccountActive  = "ativo"
	AccountBlocked = "bloqueado"
	AccountLate    = "atrasado"
)

// Approver is the manager a password belongs to.
type Approver struct {
	ID   ID     `json:"admin_id"`
	Name string `json:"admin_nome"`
}

type adminCheck struct {
	Password string `json:"password"`
}

type pinCheck struct {
	PIN string `json:"pin"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}
