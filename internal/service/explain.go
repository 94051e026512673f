package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/resultrx/backend/internal/db"
	"github.com/resultrx/backend/internal/entitlement"
	"github.com/resultrx/backend/internal/models"
	"github.com/resultrx/backend/pkg/logger"
)

// EntitlementStore is the subset of the database the explanation pipeline
// needs. All credit mutations behind it are single atomic statements.
type EntitlementStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	ReserveCredit(ctx context.Context, userID string) (bool, error)
	ReleaseCredit(ctx context.Context, userID string) error
	CountSubmissionsSince(ctx context.Context, userID string, since time.Time) (int, error)
	SaveSubmission(ctx context.Context, sub *models.LabSubmission) error
	ListSubmissions(ctx context.Context, userID string, limit int) ([]models.LabSubmission, error)
}

// Explainer produces a structured explanation for one lab result. A nil
// error always comes with a renderable explanation.
type Explainer interface {
	Explain(ctx context.Context, lab models.LabResult) (*models.Explanation, error)
}

type ExplainService struct {
	store     EntitlementStore
	explainer Explainer
	evaluator *entitlement.Evaluator
	validate  *validator.Validate
	logger    *logger.Logger
	now       func() time.Time
}

func NewExplainService(store EntitlementStore, explainer Explainer, evaluator *entitlement.Evaluator, l *logger.Logger) *ExplainService {
	return &ExplainService{
		store:     store,
		explainer: explainer,
		evaluator: evaluator,
		validate:  validator.New(),
		logger:    l,
		now:       time.Now,
	}
}

// HandleSubmission runs the full pipeline for one lab submission: validate,
// evaluate entitlement, reserve a credit if that is the granted path, call
// the AI service, persist the submission, respond. The credit reservation
// happens before the AI call and is released if the call fails, so a
// transport failure never consumes a credit.
func (s *ExplainService) HandleSubmission(ctx context.Context, userID string, lab models.LabResult) (*models.Explanation, error) {
	if err := s.validate.Struct(lab); err != nil {
		return nil, models.ErrMissingFields("missing required fields")
	}

	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.ErrUserNotFound()
	}
	if err != nil {
		return nil, models.ErrStoreUnavailable(err)
	}

	now := s.now()

	// The monthly count only matters once subscription and credits are
	// both exhausted.
	usedThisMonth := 0
	if !user.Subscription.Active() && user.Credits <= 0 {
		usedThisMonth, err = s.store.CountSubmissionsSince(ctx, userID, entitlement.MonthStart(now))
		if err != nil {
			return nil, models.ErrStoreUnavailable(err)
		}
	}

	decision := s.evaluator.Evaluate(user, usedThisMonth)
	if !decision.Allow {
		if decision.Reason == entitlement.ReasonUserNotFound {
			return nil, models.ErrUserNotFound()
		}
		return nil, models.ErrForbidden(string(decision.Reason))
	}

	reserved := false
	if decision.SideEffect == entitlement.SideEffectSpendCredit {
		reserved, err = s.store.ReserveCredit(ctx, userID)
		if err != nil {
			return nil, models.ErrStoreUnavailable(err)
		}
		if !reserved {
			// A concurrent submission drained the balance between the
			// evaluation and the reservation. Fall back to the free
			// quota before denying.
			usedThisMonth, err = s.store.CountSubmissionsSince(ctx, userID, entitlement.MonthStart(now))
			if err != nil {
				return nil, models.ErrStoreUnavailable(err)
			}
			if usedThisMonth >= s.evaluator.FreeMonthlyQuota {
				return nil, models.ErrForbidden(string(entitlement.ReasonNoCreditsOrQuota))
			}
		}
	}

	explanation, err := s.explainer.Explain(ctx, lab)
	if err != nil {
		if reserved {
			if releaseErr := s.store.ReleaseCredit(ctx, userID); releaseErr != nil {
				s.logger.Error("Failed to release reserved credit", "error", releaseErr, "userID", userID)
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.ErrUpstreamTimeout(err)
		}
		return nil, models.ErrUpstreamUnavailable(err)
	}

	submission := &models.LabSubmission{
		ID:          uuid.NewString(),
		UserID:      userID,
		TestName:    lab.TestName,
		Value:       lab.Value,
		Units:       lab.Units,
		NormalRange: lab.NormalRange,
		Explanation: *explanation,
	}
	if err := s.store.SaveSubmission(ctx, submission); err != nil {
		// The explanation is already paid for and delivered; losing the
		// history record is not worth failing the request over. On the
		// free-quota path this also means the quota was not consumed.
		s.logger.Error("Failed to persist lab submission", "error", err, "userID", userID)
	}

	return explanation, nil
}

// History returns the user's most recent submissions for the trend view.
func (s *ExplainService) History(ctx context.Context, userID string, limit int) ([]models.LabSubmission, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	subs, err := s.store.ListSubmissions(ctx, userID, limit)
	if err != nil {
		return nil, models.ErrStoreUnavailable(err)
	}
	return subs, nil
}
