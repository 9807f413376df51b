package credit

import (
	"fmt"

	"pdv_terminal/internal/money"
)

type Outcome string

const (
	OutcomeAllowed   Outcome = "allowed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeOverLimit Outcome = "over_limit"
)

// Account is the credit snapshot of a client as fetched from the
// registry. The terminal never mutates it.
type Account struct {
	ID          string
	Name        string
	CreditLimit money.Cents
	Available   money.Cents
	Blocked     bool
	// TrustMode accounts have no limit.
	TrustMode bool
}

type Decision struct {
	Outcome   Outcome
	Reason    string
	Shortfall money.Cents
}

func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

// RequiresOverride reports whether the sale can only proceed with a
// manager-approved override.
func (d Decision) RequiresOverride() bool {
	return d.Outcome == OutcomeBlocked || d.Outcome == OutcomeOverLimit
}

func (d Decision) String() string {
	switch d.Outcome {
	case OutcomeBlocked:
		return d.Reason
	case OutcomeOverLimit:
		return fmt.Sprintf("limit exceeded by %s", d.Shortfall)
	default:
		return string(d.Outcome)
	}
}

// Evaluate classifies charging amount to the account. Blocked wins over
// trust mode; trust mode skips the limit check.
func Evaluate(account Account, amount money.Cents) Decision {
	if account.Blocked {
		return Decision{Outcome: OutcomeBlocked, Reason: "account is blocked"}
	}
	if account.TrustMode {
		return Decision{Outcome: OutcomeAllowed}
	}
	if account.Available < amount {
		return Decision{
			Outcome:   OutcomeOverLimit,
			Shortfall: amount - account.Available,
			Reason:    fmt.Sprintf("available limit %s is below %s", account.Available, amount),
		}
	}
	return Decision{Outcome: OutcomeAllowed}
}
