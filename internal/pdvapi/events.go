package pdvapi

import (
	"encoding/json"
	"fmt"
)

// EventRequestCompleted is the push broadcast when an approver answers.
const EventRequestCompleted = "SOLICITACAO_CONCLUIDA"

const (
	RemoteApproved = "aprovado"
	RemoteRejected = "rejeitado"
)

// Completion is the payload of a SOLICITACAO_CONCLUIDA push.
type Completion struct {
	ID            ID     `json:"id"`
	Status        string `json:"status"`
	Kind          string `json:"tipo,omitempty"`
	PdvID         ID     `json:"pdv_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ApproverID    ID     `json:"autorizado_por_id,omitempty"`
}

func DecodeCompletion(payload json.RawMessage) (Completion, error) {
	var c Completion
	if err := json.Unmarshal(payload, &c); err != nil {
		return Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	return c, nil
}
