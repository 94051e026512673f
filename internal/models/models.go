package models

import (
	"time"
)

// Subscription plan and status values mirror what the payment processor
// reports; anything unrecognized is kept verbatim in Status.
const (
	PlanFree = "free"
	PlanPro  = "pro"

	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusPastDue  = "past_due"
)

type Subscription struct {
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd"`
}

// Active reports whether the subscription grants unlimited explanations.
func (s Subscription) Active() bool {
	return s.Plan == PlanPro && s.Status == StatusActive
}

// User is the per-user entitlement record. Created lazily on a user's
// first authenticated request, never during entitlement evaluation.
type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	Credits      int          `json:"credits"`
	Subscription Subscription `json:"subscription"`
	// SubscriptionUpdatedAt carries the timestamp of the payment event
	// that last wrote the subscription fields, so late webhook retries
	// cannot clobber newer state.
	SubscriptionUpdatedAt time.Time `json:"-"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// LabResult is one submitted lab value. Value stays a string: parsing it
// as a number is a display concern, not an entitlement one.
type LabResult struct {
	TestName    string `json:"testName" validate:"required"`
	Value       string `json:"value" validate:"required"`
	Units       string `json:"units" validate:"required"`
	NormalRange string `json:"normalRange" validate:"required"`
}

// Explanation is the structured AI explanation contract. Every field is
// always populated, via the fixed fallback if the model's output cannot
// be parsed.
type Explanation struct {
	Summary             string   `json:"summary"`
	WhatItMeasures      string   `json:"whatItMeasures"`
	WhatYourResultMeans string   `json:"whatYourResultMeans"`
	NextSteps           []string `json:"nextSteps"`
	SuggestedQuestions  []string `json:"suggestedQuestions"`
	ImportantNote       string   `json:"importantNote"`
}

// LabSubmission is the persisted history record behind the dashboard
// trend view. Its existence is also what consumes the free-tier monthly
// quota.
type LabSubmission struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	TestName    string      `json:"testName"`
	Value       string      `json:"value"`
	Units       string      `json:"units"`
	NormalRange string      `json:"normalRange"`
	Explanation Explanation `json:"aiExplanation"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type Payment struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"userId"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	StripeSessionID string    `json:"stripeSessionId"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
