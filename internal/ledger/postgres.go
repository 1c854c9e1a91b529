package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/vidcredit/internal/tracing"
)

// PostgresStore implements Store on PostgreSQL.
//
// Each unit of work is a READ COMMITTED transaction. Guarded writes are single
// UPDATE statements whose WHERE clause carries the guard, so concurrent
// units racing on the same row serialise on the row lock and the loser sees
// zero affected rows.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// WithTx runs fn inside a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classifyPQ(err))
	}

	// Always attempt rollback on exit (no-op after successful commit)
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classifyPQ(err))
	}
	return nil
}

// classifyPQ marks transient failures with ErrUnavailable so the ledger retries them.
func classifyPQ(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback: serialization failure, deadlock
			"53", // insufficient resources
			"57": // operator intervention: shutdown, cancel
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if pqErr.Code == "23505" {
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
	}
	return err
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, classifyPQ(err))
}

// exec runs a guarded statement and reports whether exactly one row changed.
func (t *pgTx) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, t.wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, t.wrap(op, err)
	}
	return n == 1, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a *Account) (err error) {
	if a.ID == "" {
		return ErrInvalidID
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "accounts", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, credits_balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
	`, a.ID, a.CreatedAt)
	if err != nil {
		return t.wrap("create account", err)
	}
	return nil
}

const accountColumns = `id, credits_balance, created_at, updated_at`

func scanAccount(s rowScanner) (*Account, error) {
	var a Account
	if err := s.Scan(&a.ID, &a.CreditsBalance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := scanAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, t.wrap("get account", err)
	}
	return a, nil
}

func (t *pgTx) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, t.wrap("list accounts", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, t.wrap("scan account", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, t.wrap("list accounts", err)
	}
	return out, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, accountID string, delta int64) (balance int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "accounts", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	err = t.tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET credits_balance = credits_balance + $1, updated_at = NOW()
		WHERE id = $2 AND credits_balance + $1 >= 0
		RETURNING credits_balance
	`, delta, accountID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, t.wrap("adjust balance", err)
	}

	// No row: either the account is missing or the guard failed.
	a, getErr := t.GetAccount(ctx, accountID)
	if getErr != nil {
		return 0, getErr
	}
	return a.CreditsBalance, ErrInsufficientBalance
}

const transactionColumns = `id, account_id, kind, amount, COALESCE(related_purchase_id, ''), COALESCE(related_generation_id, ''), status, created_at`

func scanTransaction(s rowScanner) (*Transaction, error) {
	var txn Transaction
	if err := s.Scan(&txn.ID, &txn.AccountID, &txn.Kind, &txn.Amount,
		&txn.RelatedPurchaseID, &txn.RelatedGenerationID, &txn.Status, &txn.CreatedAt); err != nil {
		return nil, err
	}
	return &txn, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) (err error) {
	if txn.ID == "" {
		return ErrInvalidID
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "transactions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, kind, amount, related_purchase_id, related_generation_id, status, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	`, txn.ID, txn.AccountID, string(txn.Kind), txn.Amount,
		txn.RelatedPurchaseID, txn.RelatedGenerationID, txn.Status, txn.CreatedAt)
	if err != nil {
		return t.wrap("insert transaction", err)
	}
	return nil
}

func (t *pgTx) ListTransactions(ctx context.Context, accountID string) ([]Transaction, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, t.wrap("list transactions", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, t.wrap("scan transaction", err)
		}
		out = append(out, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, t.wrap("list transactions", err)
	}
	return out, nil
}

func (t *pgTx) LastConsumption(ctx context.Context, generationID string) (*Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE related_generation_id = $1 AND kind = 'consumption'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, generationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, t.wrap("last consumption", err)
	}
	return txn, nil
}

func (t *pgTx) ListConsumptionOwnership(ctx context.Context) ([]OwnershipRow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT t.id, t.account_id, COALESCE(t.related_generation_id, ''), COALESCE(g.account_id, ''), g.id IS NOT NULL
		FROM transactions t
		LEFT JOIN generations g ON g.id = t.related_generation_id
		WHERE t.kind = 'consumption' AND t.status = 'committed'
		ORDER BY t.created_at, t.id
	`)
	if err != nil {
		return nil, t.wrap("list consumption ownership", err)
	}
	defer rows.Close()

	var out []OwnershipRow
	for rows.Next() {
		var r OwnershipRow
		if err := rows.Scan(&r.TransactionID, &r.TransactionAccountID, &r.GenerationID, &r.GenerationAccountID, &r.GenerationExists); err != nil {
			return nil, t.wrap("scan ownership row", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, t.wrap("list consumption ownership", err)
	}
	return out, nil
}

const purchaseColumns = `id, account_id, amount_credits, status, COALESCE(provider_payment_id, ''), applied_at, created_at, updated_at`

func scanPurchase(s rowScanner) (*Purchase, error) {
	var p Purchase
	var appliedAt sql.NullTime
	if err := s.Scan(&p.ID, &p.AccountID, &p.AmountCredits, &p.Status, &p.ProviderPaymentID,
		&appliedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if appliedAt.Valid {
		at := appliedAt.Time
		p.AppliedAt = &at
	}
	return &p, nil
}

func (t *pgTx) CreatePurchase(ctx context.Context, p *Purchase) error {
	if p.ID == "" {
		return ErrInvalidID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchases (id, account_id, amount_credits, status, provider_payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $6)
	`, p.ID, p.AccountID, p.AmountCredits, string(p.Status), p.ProviderPaymentID, p.CreatedAt)
	if err != nil {
		return t.wrap("create purchase", err)
	}
	return nil
}

func (t *pgTx) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	p, err := scanPurchase(t.tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, t.wrap("get purchase", err)
	}
	return p, nil
}

func (t *pgTx) GetPurchaseByPaymentID(ctx context.Context, providerPaymentID string) (*Purchase, error) {
	if providerPaymentID == "" {
		return nil, ErrPurchaseNotFound
	}
	p, err := scanPurchase(t.tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE provider_payment_id = $1`, providerPaymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, t.wrap("get purchase by payment id", err)
	}
	return p, nil
}

func (t *pgTx) TransitionPurchase(ctx context.Context, id string, from, to PurchaseStatus, at time.Time) (bool, error) {
	ok, err := t.exec(ctx, "transition purchase", `
		UPDATE purchases SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil || ok {
		return ok, err
	}
	if _, err := t.GetPurchase(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (t *pgTx) MarkPurchaseApplied(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := t.exec(ctx, "mark purchase applied", `
		UPDATE purchases SET applied_at = $2, updated_at = $2
		WHERE id = $1 AND applied_at IS NULL AND status = 'approved'
	`, id, at)
	if err != nil || ok {
		return ok, err
	}
	if _, err := t.GetPurchase(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

const generationColumns = `id, account_id, status, COALESCE(provider_task_id, ''), credits_reserved, credits_used,
	retry_count, COALESCE(error_message, ''), COALESCE(result_url, ''), COALESCE(cover_url, ''),
	COALESCE(duration_seconds, 0), created_at, updated_at`

func scanGeneration(s rowScanner) (*Generation, error) {
	var g Generation
	if err := s.Scan(&g.ID, &g.AccountID, &g.Status, &g.ProviderTaskID, &g.CreditsReserved, &g.CreditsUsed,
		&g.RetryCount, &g.ErrorMessage, &g.ResultURL, &g.CoverURL, &g.DurationSeconds,
		&g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *pgTx) CreateGeneration(ctx context.Context, g *Generation) error {
	if g.ID == "" {
		return ErrInvalidID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO generations (id, account_id, status, credits_reserved, credits_used, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, g.ID, g.AccountID, string(g.Status), g.CreditsReserved, g.CreditsUsed, g.RetryCount, g.CreatedAt)
	if err != nil {
		return t.wrap("create generation", err)
	}
	return nil
}

func (t *pgTx) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	g, err := scanGeneration(t.tx.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		return nil, t.wrap("get generation", err)
	}
	return g, nil
}

func (t *pgTx) GetGenerationByTaskID(ctx context.Context, providerTaskID string) (*Generation, error) {
	if providerTaskID == "" {
		return nil, ErrGenerationNotFound
	}
	g, err := scanGeneration(t.tx.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE provider_task_id = $1`, providerTaskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		return nil, t.wrap("get generation by task id", err)
	}
	return g, nil
}

func (t *pgTx) ListGenerations(ctx context.Context, status GenerationStatus, updatedBefore time.Time, limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+generationColumns+`
		FROM generations
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(status), updatedBefore, limit)
	if err != nil {
		return nil, t.wrap("list generations", err)
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, t.wrap("scan generation", err)
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, t.wrap("list generations", err)
	}
	return out, nil
}

func (t *pgTx) ReserveCredits(ctx context.Context, generationID string, amount int64, at time.Time) (bool, error) {
	ok, err := t.exec(ctx, "reserve credits", `
		UPDATE generations SET credits_reserved = $2, credits_used = $2, updated_at = $3
		WHERE id = $1 AND credits_used = 0 AND status = 'pending'
	`, generationID, amount, at)
	if err != nil || ok {
		return ok, err
	}
	if _, err := t.GetGeneration(ctx, generationID); err != nil {
		return false, err
	}
	return false, nil
}

func (t *pgTx) ReleaseCredits(ctx context.Context, generationID string, at time.Time) (int64, error) {
	// Lock the row so the amount read is the amount released.
	var used int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT credits_used FROM generations WHERE id = $1 FOR UPDATE`, generationID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrGenerationNotFound
	}
	if err != nil {
		return 0, t.wrap("lock generation", err)
	}
	if used <= 0 {
		return 0, nil
	}

	ok, err := t.exec(ctx, "release credits", `
		UPDATE generations SET credits_used = 0, updated_at = $2
		WHERE id = $1 AND credits_used > 0
	`, generationID, at)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return used, nil
}

func (t *pgTx) UpdateGeneration(ctx context.Context, generationID string, from GenerationStatus, upd GenerationUpdate, at time.Time) (bool, error) {
	sets := []string{"updated_at = $3"}
	args := []any{generationID, string(from), at}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != "" {
		add("status", string(upd.Status))
	}
	if upd.ProviderTaskID != nil {
		args = append(args, *upd.ProviderTaskID)
		sets = append(sets, fmt.Sprintf("provider_task_id = NULLIF($%d, '')", len(args)))
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.ResultURL != nil {
		add("result_url", *upd.ResultURL)
	}
	if upd.CoverURL != nil {
		add("cover_url", *upd.CoverURL)
	}
	if upd.DurationSeconds != nil {
		add("duration_seconds", *upd.DurationSeconds)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}

	query := `UPDATE generations SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = $2`
	ok, err := t.exec(ctx, "update generation", query, args...)
	if err != nil || ok {
		return ok, err
	}
	if _, err := t.GetGeneration(ctx, generationID); err != nil {
		return false, err
	}
	return false, nil
}

func (t *pgTx) ReassignGeneration(ctx context.Context, generationID, fromAccount, toAccount string, at time.Time) (bool, error) {
	ok, err := t.exec(ctx, "reassign generation", `
		UPDATE generations SET account_id = $3, updated_at = $4
		WHERE id = $1 AND account_id = $2
	`, generationID, fromAccount, toAccount, at)
	if err != nil || ok {
		return ok, err
	}
	if _, err := t.GetGeneration(ctx, generationID); err != nil {
		return false, err
	}
	return false, nil
}

func (t *pgTx) InsertOwnershipCorrection(ctx context.Context, c *OwnershipCorrection) error {
	if c.ID == "" {
		return ErrInvalidID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ownership_corrections (id, generation_id, transaction_id, account_before, account_after, corrected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.GenerationID, c.TransactionID, c.AccountBefore, c.AccountAfter, c.CorrectedAt)
	if err != nil {
		return t.wrap("insert ownership correction", err)
	}
	return nil
}

func (t *pgTx) ListOwnershipCorrections(ctx context.Context, generationID string) ([]OwnershipCorrection, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, generation_id, transaction_id, account_before, account_after, corrected_at
		FROM ownership_corrections
		WHERE $1::text = '' OR generation_id = $1
		ORDER BY corrected_at, id
	`, generationID)
	if err != nil {
		return nil, t.wrap("list ownership corrections", err)
	}
	defer rows.Close()

	var out []OwnershipCorrection
	for rows.Next() {
		var c OwnershipCorrection
		if err := rows.Scan(&c.ID, &c.GenerationID, &c.TransactionID, &c.AccountBefore, &c.AccountAfter, &c.CorrectedAt); err != nil {
			return nil, t.wrap("scan ownership correction", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, t.wrap("list ownership corrections", err)
	}
	return out, nil
}

func (t *pgTx) EnqueueReview(ctx context.Context, item *ReviewItem) (bool, error) {
	if item.ID == "" || item.Kind == "" || item.SubjectID == "" {
		return false, ErrInvalidID
	}
	return t.exec(ctx, "enqueue review", `
		INSERT INTO review_queue (id, kind, subject_id, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, subject_id) DO NOTHING
	`, item.ID, item.Kind, item.SubjectID, item.Reason, item.Details, item.CreatedAt)
}

func (t *pgTx) ListReviewItems(ctx context.Context) ([]ReviewItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, kind, subject_id, reason, details, created_at
		FROM review_queue
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, t.wrap("list review items", err)
	}
	defer rows.Close()

	var out []ReviewItem
	for rows.Next() {
		var item ReviewItem
		if err := rows.Scan(&item.ID, &item.Kind, &item.SubjectID, &item.Reason, &item.Details, &item.CreatedAt); err != nil {
			return nil, t.wrap("scan review item", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, t.wrap("list review items", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
