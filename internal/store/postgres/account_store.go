package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// SecretSealer encrypts account secret keys at rest.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// AccountStore implements domain.AccountStore using PostgreSQL. Secret keys
// are sealed before they are written and opened when read.
type AccountStore struct {
	pool   *pgxpool.Pool
	secret SecretSealer
}

var _ domain.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates a new AccountStore. secret must not be nil.
func NewAccountStore(pool *pgxpool.Pool, secret SecretSealer) *AccountStore {
	return &AccountStore{pool: pool, secret: secret}
}

const accountSelectCols = `id, name, venue, api_key, secret_key_enc, risk_percent, deposit, created_at`

func (s *AccountStore) scan(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	var venue, sealed string
	if err := row.Scan(&a.ID, &a.Name, &venue, &a.APIKey, &sealed, &a.RiskPercent, &a.Deposit, &a.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	a.Venue = domain.Venue(venue)
	secret, err := s.secret.Open(sealed)
	if err != nil {
		return domain.Account{}, fmt.Errorf("open secret of account %d: %w", a.ID, err)
	}
	a.SecretKey = secret
	return a, nil
}

// Create inserts acc and assigns its ID.
func (s *AccountStore) Create(ctx context.Context, acc *domain.Account) error {
	sealed, err := s.secret.Seal(acc.SecretKey)
	if err != nil {
		return fmt.Errorf("postgres: seal secret: %w", err)
	}
	const query = `
		INSERT INTO accounts (name, venue, api_key, secret_key_enc, risk_percent, deposit)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	if err := s.pool.QueryRow(ctx, query,
		acc.Name, string(acc.Venue), acc.APIKey, sealed, acc.RiskPercent, acc.Deposit,
	).Scan(&acc.ID, &acc.CreatedAt); err != nil {
		return fmt.Errorf("postgres: create account %s: %w", acc.Name, err)
	}
	return nil
}

// Get retrieves a single account by its ID.
func (s *AccountStore) Get(ctx context.Context, id int64) (domain.Account, error) {
	a, err := s.scan(s.pool.QueryRow(ctx, `SELECT `+accountSelectCols+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("postgres: get account %d: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %d: %w", id, err)
	}
	return a, nil
}

// List returns every account ordered by ID.
func (s *AccountStore) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountSelectCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list accounts rows: %w", err)
	}
	return out, nil
}

// UpdateCredentials seals and stores a new key pair for account id.
func (s *AccountStore) UpdateCredentials(ctx context.Context, id int64, apiKey, secretKey string) error {
	sealed, err := s.secret.Seal(secretKey)
	if err != nil {
		return fmt.Errorf("postgres: seal secret: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET api_key = $2, secret_key_enc = $3 WHERE id = $1`, id, apiKey, sealed)
	if err != nil {
		return fmt.Errorf("postgres: update credentials of account %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update credentials of account %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
