// Package entitlement decides whether a user may receive one AI
// explanation right now, and which side effect a successful explanation
// must apply. It is the single source of truth for that decision: the
// subscription, credit and free-quota paths are ranked here and nowhere
// else.
package entitlement

import (
	"time"

	"github.com/resultrx/backend/internal/models"
)

// SideEffect is what the orchestrator must apply when the explanation
// succeeds.
type SideEffect int

const (
	// SideEffectNone applies to unlimited (active pro) plans.
	SideEffectNone SideEffect = iota
	// SideEffectSpendCredit consumes one credit. The caller must reserve
	// the credit atomically before the AI call.
	SideEffectSpendCredit
	// SideEffectRecordForQuota consumes one unit of the free monthly
	// quota; persisting the submission record is the consumption.
	SideEffectRecordForQuota
)

type DenyReason string

const (
	ReasonUserNotFound     DenyReason = "user not found"
	ReasonNoCreditsOrQuota DenyReason = "you have no credits left and your free explanation for this month is used up"
)

type Decision struct {
	Allow      bool
	Reason     DenyReason
	SideEffect SideEffect
}

type Evaluator struct {
	// FreeMonthlyQuota is the number of free-tier explanations per
	// calendar month. Zero disables the free path entirely.
	FreeMonthlyQuota int
}

func NewEvaluator(freeMonthlyQuota int) *Evaluator {
	return &Evaluator{FreeMonthlyQuota: freeMonthlyQuota}
}

// Evaluate ranks the entitlement paths in precedence order: active pro
// subscription, then credits, then free monthly quota. usedThisMonth is
// the count of the user's submissions since MonthStart, supplied by the
// caller. A nil user is a deny, never an auto-create.
func (e *Evaluator) Evaluate(user *models.User, usedThisMonth int) Decision {
	if user == nil {
		return Decision{Reason: ReasonUserNotFound}
	}

	if user.Subscription.Active() {
		return Decision{Allow: true, SideEffect: SideEffectNone}
	}

	if user.Credits > 0 {
		return Decision{Allow: true, SideEffect: SideEffectSpendCredit}
	}

	if usedThisMonth < e.FreeMonthlyQuota {
		return Decision{Allow: true, SideEffect: SideEffectRecordForQuota}
	}

	return Decision{Reason: ReasonNoCreditsOrQuota}
}

// MonthStart returns the beginning of now's calendar month in UTC. The
// free quota resets at this boundary.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
