package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// Venues resolves the connector of a venue.
type Venues interface {
	Connector(venue domain.Venue) (domain.VenueConnector, error)
}

// Sessions drops the live exchange session of an account so that the next
// use rebuilds it from storage.
type Sessions interface {
	Remove(accountID int64)
}

// AccountHandler registers and lists exchange accounts.
type AccountHandler struct {
	accounts domain.AccountStore
	venues   Venues
	sessions Sessions
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler. sessions may be nil.
func NewAccountHandler(accounts domain.AccountStore, venues Venues, sessions Sessions, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, venues: venues, sessions: sessions, logger: logger}
}

type createAccountJSON struct {
	Name        string          `json:"name"`
	Venue       string          `json:"venue"`
	APIKey      string          `json:"api_key"`
	SecretKey   string          `json:"secret_key"`
	RiskPercent decimal.Decimal `json:"risk_percent"`
	Deposit     decimal.Decimal `json:"deposit"`
}

type credentialsJSON struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// accountJSON never carries credentials.
type accountJSON struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Venue       string          `json:"venue"`
	RiskPercent decimal.Decimal `json:"risk_percent"`
	Deposit     decimal.Decimal `json:"deposit"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toAccountJSON(a domain.Account) accountJSON {
	return accountJSON{
		ID:          a.ID,
		Name:        a.Name,
		Venue:       string(a.Venue),
		RiskPercent: a.RiskPercent,
		Deposit:     a.Deposit,
		CreatedAt:   a.CreatedAt,
	}
}

// Create checks the credentials against the venue and stores the account.
// POST /api/accounts
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createAccountJSON
	if !decodeBody(w, r, &body) {
		return
	}
	venue := domain.Venue(strings.ToLower(strings.TrimSpace(body.Venue)))
	if venue == "" {
		venue = domain.VenueBingX
	}
	switch {
	case strings.TrimSpace(body.Name) == "":
		writeError(w, http.StatusBadRequest, "name is required")
		return
	case body.APIKey == "" || body.SecretKey == "":
		writeError(w, http.StatusBadRequest, "api_key and secret_key are required")
		return
	case body.RiskPercent.IsNegative() || body.RiskPercent.GreaterThan(decimal.NewFromInt(100)):
		writeError(w, http.StatusBadRequest, "risk_percent must be within 0..100")
		return
	}

	conn, err := h.venues.Connector(venue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported venue "+string(venue))
		return
	}
	if !h.validate(w, r, conn, body.APIKey, body.SecretKey) {
		return
	}

	acc := domain.Account{
		Name:        strings.TrimSpace(body.Name),
		Venue:       venue,
		APIKey:      body.APIKey,
		SecretKey:   body.SecretKey,
		RiskPercent: body.RiskPercent,
		Deposit:     body.Deposit,
	}
	if err := h.accounts.Create(r.Context(), &acc); err != nil {
		writeFailure(w, r, h.logger, "create account", err)
		return
	}
	h.logger.InfoContext(r.Context(), "account registered",
		slog.Int64("account_id", acc.ID),
		slog.String("venue", string(venue)),
	)
	writeJSON(w, http.StatusCreated, toAccountJSON(acc))
}

// validate runs the venue credential check with its own timeout and writes
// the response when the pair cannot be used.
func (h *AccountHandler) validate(w http.ResponseWriter, r *http.Request, conn domain.VenueConnector, apiKey, secretKey string) bool {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	valid, err := conn.ValidateCredentials(ctx, apiKey, secretKey)
	if err != nil {
		writeFailure(w, r, h.logger, "validate credentials", err)
		return false
	}
	if !valid {
		writeError(w, http.StatusUnprocessableEntity, "credentials rejected by "+string(conn.Venue()))
		return false
	}
	return true
}

// UpdateCredentials rotates the key pair of an account and restarts its
// session.
// PUT /api/accounts/{id}/credentials
func (h *AccountHandler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body credentialsJSON
	if !decodeBody(w, r, &body) {
		return
	}
	if body.APIKey == "" || body.SecretKey == "" {
		writeError(w, http.StatusBadRequest, "api_key and secret_key are required")
		return
	}

	acc, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, "get account", err)
		return
	}
	conn, err := h.venues.Connector(acc.Venue)
	if err != nil {
		writeFailure(w, r, h.logger, "resolve venue", err)
		return
	}
	if !h.validate(w, r, conn, body.APIKey, body.SecretKey) {
		return
	}
	if err := h.accounts.UpdateCredentials(r.Context(), id, body.APIKey, body.SecretKey); err != nil {
		writeFailure(w, r, h.logger, "update credentials", err)
		return
	}
	if h.sessions != nil {
		h.sessions.Remove(id)
	}
	h.logger.InfoContext(r.Context(), "account credentials rotated", slog.Int64("account_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// List returns every account without credentials.
// GET /api/accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		writeFailure(w, r, h.logger, "list accounts", err)
		return
	}
	out := make([]accountJSON, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountJSON(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}
