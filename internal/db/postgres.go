package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/resultrx/backend/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(cfg struct {
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}) (*PostgresDB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DB connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnLifetime
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Migrate creates the schema if it does not exist yet.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			credits INT NOT NULL DEFAULT 0 CHECK (credits >= 0),
			plan TEXT NOT NULL DEFAULT 'free',
			subscription_status TEXT NOT NULL DEFAULT 'active',
			current_period_end TIMESTAMPTZ,
			subscription_updated_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS lab_submissions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			test_name TEXT NOT NULL,
			value TEXT NOT NULL,
			units TEXT NOT NULL,
			normal_range TEXT NOT NULL,
			ai_explanation JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lab_submissions_user_created
			ON lab_submissions (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			stripe_session_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS processed_checkout_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// EnsureUser creates the entitlement record on first sign-in. Existing
// records are returned untouched.
func (db *PostgresDB) EnsureUser(ctx context.Context, id, email string, signupCredits int) (*models.User, error) {
	query := `
        INSERT INTO users (id, email, credits, plan, subscription_status)
        VALUES ($1, $2, $3, 'free', 'active')
        ON CONFLICT (id) DO NOTHING
    `
	if _, err := db.pool.Exec(ctx, query, id, email, signupCredits); err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}

	return db.GetUser(ctx, id)
}

func (db *PostgresDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `
        SELECT id, email, credits, plan, subscription_status, current_period_end,
               subscription_updated_at, created_at, updated_at
        FROM users
        WHERE id = $1
    `

	var user models.User
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.Credits,
		&user.Subscription.Plan, &user.Subscription.Status, &user.Subscription.CurrentPeriodEnd,
		&user.SubscriptionUpdatedAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// ReserveCredit atomically decrements one credit, refusing to cross zero.
// The WHERE clause is the correctness boundary for concurrent submissions:
// only as many reservations succeed as there are credits.
func (db *PostgresDB) ReserveCredit(ctx context.Context, userID string) (bool, error) {
	query := `
        UPDATE users
        SET credits = credits - 1, updated_at = NOW()
        WHERE id = $1 AND credits > 0
    `

	tag, err := db.pool.Exec(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve credit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseCredit returns a previously reserved credit after a downstream
// failure.
func (db *PostgresDB) ReleaseCredit(ctx context.Context, userID string) error {
	query := `
        UPDATE users
        SET credits = credits + 1, updated_at = NOW()
        WHERE id = $1
    `

	if _, err := db.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to release credit: %w", err)
	}
	return nil
}

// GrantCreditForSession grants one credit for a checkout session exactly
// once. Redelivered webhooks hit the ledger conflict and grant nothing.
func (db *PostgresDB) GrantCreditForSession(ctx context.Context, userID, sessionID string) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        INSERT INTO processed_checkout_sessions (session_id, user_id)
        VALUES ($1, $2)
        ON CONFLICT (session_id) DO NOTHING
    `, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to record checkout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already processed.
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
        UPDATE users SET credits = credits + 1, updated_at = NOW() WHERE id = $1
    `, userID); err != nil {
		return false, fmt.Errorf("failed to grant credit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit credit grant: %w", err)
	}
	return true, nil
}

// SetSubscription applies subscription fields last-write-wins, keyed by the
// originating payment event's timestamp. Stale retries are dropped.
func (db *PostgresDB) SetSubscription(ctx context.Context, userID string, sub models.Subscription, eventTime time.Time) error {
	query := `
        UPDATE users
        SET plan = $2, subscription_status = $3, current_period_end = $4,
            subscription_updated_at = $5, updated_at = NOW()
        WHERE id = $1 AND subscription_updated_at <= $5
    `

	_, err := db.pool.Exec(ctx, query,
		userID, sub.Plan, sub.Status, sub.CurrentPeriodEnd, eventTime,
	)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

func (db *PostgresDB) SaveSubmission(ctx context.Context, sub *models.LabSubmission) error {
	explanation, err := json.Marshal(sub.Explanation)
	if err != nil {
		return fmt.Errorf("failed to marshal explanation: %w", err)
	}

	query := `
        INSERT INTO lab_submissions (id, user_id, test_name, value, units, normal_range, ai_explanation)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING created_at
    `

	err = db.pool.QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.TestName, sub.Value, sub.Units, sub.NormalRange, explanation,
	).Scan(&sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}
	return nil
}

// CountSubmissionsSince counts a user's submissions with a timestamp at or
// after the given instant. Used for the free-tier monthly quota.
func (db *PostgresDB) CountSubmissionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
        SELECT COUNT(*) FROM lab_submissions
        WHERE user_id = $1 AND created_at >= $2
    `

	var count int
	if err := db.pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return count, nil
}

func (db *PostgresDB) ListSubmissions(ctx context.Context, userID string, limit int) ([]models.LabSubmission, error) {
	query := `
        SELECT id, user_id, test_name, value, units, normal_range, ai_explanation, created_at
        FROM lab_submissions
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `

	rows, err := db.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var subs []models.LabSubmission
	for rows.Next() {
		var sub models.LabSubmission
		var explanation []byte
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.TestName, &sub.Value, &sub.Units,
			&sub.NormalRange, &explanation, &sub.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		if err := json.Unmarshal(explanation, &sub.Explanation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal explanation: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (db *PostgresDB) SavePayment(ctx context.Context, payment *models.Payment) error {
	query := `
        INSERT INTO payments (user_id, amount, currency, stripe_session_id, status)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (stripe_session_id) DO NOTHING
        RETURNING id
    `

	err := db.pool.QueryRow(ctx, query,
		payment.UserID, payment.Amount, payment.Currency,
		payment.StripeSessionID, payment.Status,
	).Scan(&payment.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

func (db *PostgresDB) UpdatePaymentStatus(ctx context.Context, stripeSessionID, status string) error {
	query := `
        UPDATE payments
        SET status = $2, updated_at = NOW()
        WHERE stripe_session_id = $1
    `

	_, err := db.pool.Exec(ctx, query, stripeSessionID, status)
	return err
}
