// Package ledger owns user balances and the transaction records that trace
// every transfer attempt.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/money"
)

const (
	maxPhoneLength = 32
	maxErrorLength = 255
)

var (
	// ErrDuplicate is returned when the transaction id was already processed.
	ErrDuplicate = errors.New("ledger: duplicate transaction")
	// ErrUserNotFound is returned by balance lookups for unknown users.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrTransactionNotFound is returned by record lookups for unknown ids.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
)

// Outcome is the terminal state of one transfer. Business rejections are
// outcomes, not errors.
type Outcome struct {
	Status       domain.TransactionStatus
	Reason       string
	BalanceAfter *decimal.Decimal
	Currency     string
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

type Store struct {
	db      *sql.DB
	dialect dialect

	// beforeDebit runs inside the transaction after the balance check. Nil
	// outside tests.
	beforeDebit func(ctx context.Context, tx *sql.Tx) error
}

// Open connects to dsn. postgres:// and postgresql:// URLs use pgx; a
// "sqlite:" prefix opens a modernc SQLite database for local runs.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("ledger: dsn must not be empty")
	}

	driver, source, d := "pgx", dsn, dialectPostgres
	if rest, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		driver, source, d = "sqlite", rest, dialectSQLite
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if d == dialectSQLite {
		// One writer at a time; transactions queue on the connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping %s: %w", driver, err)
	}
	return &Store{db: db, dialect: d}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the users and transactions tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == dialectSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

// ExecuteTransfer applies req in one database transaction. The debit and the
// completed record commit together; a rejected transfer leaves a failed
// record and an untouched balance.
func (s *Store) ExecuteTransfer(ctx context.Context, req domain.TransferRequest) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seen int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE transaction_id = $1`, req.TransactionID).Scan(&seen)
	switch {
	case err == nil:
		return Outcome{}, ErrDuplicate
	case !errors.Is(err, sql.ErrNoRows):
		return Outcome{}, fmt.Errorf("ledger: check transaction: %w", err)
	}

	var (
		balance  decimal.Decimal
		currency string
	)
	err = tx.QueryRowContext(ctx, `SELECT balance, currency FROM users WHERE id = $1`, req.UserID).Scan(&balance, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return s.rejectInTx(ctx, tx, req, fmt.Sprintf("Usuario con ID %d no encontrado", req.UserID))
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger: load user: %w", err)
	}
	currency = strings.TrimSpace(currency)

	if !strings.EqualFold(currency, req.Currency) {
		return s.rejectInTx(ctx, tx, req, fmt.Sprintf("No puedes transferir en %s. Tu cuenta está en %s.", req.Currency, currency))
	}
	if balance.LessThan(req.Amount) {
		return s.rejectInTx(ctx, tx, req, insufficientReason(balance, req.Amount, currency))
	}

	if err := s.insertRecord(ctx, tx, req, domain.TransactionPending, ""); err != nil {
		return Outcome{}, err
	}

	if s.beforeDebit != nil {
		if err := s.beforeDebit(ctx, tx); err != nil {
			return Outcome{}, err
		}
	}

	var after decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1 RETURNING balance`,
		req.Amount, req.UserID,
	).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		// Another transfer drained the balance after the read above.
		_ = tx.Rollback()
		return s.rejectAfterRace(ctx, req, currency)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger: debit: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, balance_after = $2, updated_at = CURRENT_TIMESTAMP WHERE transaction_id = $3`,
		string(domain.TransactionCompleted), after, req.TransactionID,
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger: complete record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return Outcome{Status: domain.TransactionCompleted, BalanceAfter: &after, Currency: currency}, nil
}

func (s *Store) rejectInTx(ctx context.Context, tx *sql.Tx, req domain.TransferRequest, reason string) (Outcome, error) {
	if err := s.insertRecord(ctx, tx, req, domain.TransactionFailed, reason); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return Outcome{Status: domain.TransactionFailed, Reason: reason, Currency: req.Currency}, nil
}

func (s *Store) rejectAfterRace(ctx context.Context, req domain.TransferRequest, currency string) (Outcome, error) {
	current, err := s.Balance(ctx, req.UserID)
	if err != nil {
		return Outcome{}, err
	}
	reason := insufficientReason(current.Balance, req.Amount, currency)
	if err := s.RecordFailure(ctx, req, reason); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: domain.TransactionFailed, Reason: reason, Currency: currency}, nil
}

func insufficientReason(balance, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("Saldo insuficiente. Saldo actual: %s, Monto solicitado: %s.",
		money.Format(balance, currency), money.Format(amount, currency))
}

func (s *Store) insertRecord(ctx context.Context, tx *sql.Tx, req domain.TransferRequest, status domain.TransactionStatus, reason string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (conversation_id, transaction_id, user_id, recipient_phone, amount, currency, status, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ConversationID, req.TransactionID, req.UserID, truncate(req.RecipientPhone, maxPhoneLength),
		req.Amount, req.Currency, string(status), nullIfEmpty(truncate(reason, maxErrorLength)),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("ledger: insert record: %w", err)
	}
	return nil
}

// RecordFailure stores a failed record for req unless one already exists.
func (s *Store) RecordFailure(ctx context.Context, req domain.TransferRequest, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (conversation_id, transaction_id, user_id, recipient_phone, amount, currency, status, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		truncate(req.ConversationID, 255), req.TransactionID,
		sql.NullInt64{Int64: req.UserID, Valid: req.UserID > 0}, truncate(req.RecipientPhone, maxPhoneLength),
		req.Amount, truncate(req.Currency, 3), string(domain.TransactionFailed), nullIfEmpty(truncate(reason, maxErrorLength)),
	)
	if err != nil {
		return fmt.Errorf("ledger: record failure: %w", err)
	}
	return nil
}

// Transaction returns the record stored for transactionID.
func (s *Store) Transaction(ctx context.Context, transactionID string) (domain.TransactionRecord, error) {
	var (
		rec      domain.TransactionRecord
		status   string
		userID   sql.NullInt64
		errMsg   sql.NullString
		after    decimal.NullDecimal
		currency string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, transaction_id, user_id, recipient_phone, amount, currency, status, error_message, balance_after
		 FROM transactions WHERE transaction_id = $1`,
		transactionID,
	).Scan(&rec.ID, &rec.ConversationID, &rec.TransactionID, &userID, &rec.RecipientPhone,
		&rec.Amount, &currency, &status, &errMsg, &after)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransactionRecord{}, ErrTransactionNotFound
	}
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("ledger: load transaction: %w", err)
	}
	rec.UserID = userID.Int64
	rec.Currency = strings.TrimSpace(currency)
	rec.Status = domain.TransactionStatus(status)
	rec.ErrorMessage = errMsg.String
	if after.Valid {
		b := after.Decimal
		rec.BalanceAfter = &b
	}
	return rec, nil
}

// OpenAccount creates a user account with an opening balance. An existing
// account is left unchanged.
func (s *Store) OpenAccount(ctx context.Context, userID int64, balance decimal.Decimal, currency string) error {
	if userID <= 0 {
		return errors.New("ledger: user id must be positive")
	}
	if balance.IsNegative() {
		return errors.New("ledger: opening balance must not be negative")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return fmt.Errorf("ledger: invalid currency %q", currency)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, balance, currency) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		userID, balance, currency,
	)
	if err != nil {
		return fmt.Errorf("ledger: open account: %w", err)
	}
	return nil
}

// Balance reads a user's balance and account currency.
func (s *Store) Balance(ctx context.Context, userID int64) (domain.UserBalance, error) {
	var (
		balance  decimal.Decimal
		currency string
	)
	err := s.db.QueryRowContext(ctx, `SELECT balance, currency FROM users WHERE id = $1`, userID).Scan(&balance, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserBalance{}, ErrUserNotFound
	}
	if err != nil {
		return domain.UserBalance{}, fmt.Errorf("ledger: load balance: %w", err)
	}
	return domain.UserBalance{UserID: userID, Balance: balance, Currency: strings.TrimSpace(currency)}, nil
}

// truncate caps s at n runes to fit the column width.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
