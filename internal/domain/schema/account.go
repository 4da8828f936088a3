package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Pool partitions accounts into real-money and virtual.
type Pool string

const (
	PoolReal Pool = "real"
	PoolDemo Pool = "demo"
)

// ParsePool accepts "real", "demo" and "virtual".
func ParsePool(raw string) (Pool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "real":
		return PoolReal, true
	case "demo", "virtual":
		return PoolDemo, true
	default:
		return "", false
	}
}

// Account is a logical trading account known to the session.
type Account struct {
	LoginID   string
	Currency  string
	IsVirtual bool
	Token     string
	Balance   decimal.Decimal
	Disabled  bool
}

// Pool reports which pool the account belongs to.
func (a Account) Pool() Pool {
	if a.IsVirtual {
		return PoolDemo
	}
	return PoolReal
}

// Credential is one API token, optionally labelled with the account it was issued for.
type Credential struct {
	LoginID  string `json:"loginid,omitempty"`
	Token    string `json:"token"`
	Currency string `json:"currency,omitempty"`
}
