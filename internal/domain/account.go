package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue tags the exchange an account trades on.
type Venue string

const (
	VenueBingX Venue = "bingx"
)

// Account is one exchange connection with its own risk budget.
type Account struct {
	ID          int64
	Name        string
	Venue       Venue
	APIKey      string
	SecretKey   string // plaintext in memory, encrypted at rest
	RiskPercent decimal.Decimal
	Deposit     decimal.Decimal
	CreatedAt   time.Time
}
