package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionStatus is the user-visible health of an exchange connection.
type ConnectionStatus string

const (
	ConnectionActive ConnectionStatus = "ACTIVE"
	ConnectionError  ConnectionStatus = "ERROR"
)

// Connection is one linked exchange account. Credentials are sealed by
// secrets.Cipher before they reach storage.
type Connection struct {
	ID       string
	UserID   string
	Exchange string // connector registry key: "binance", "kraken", "coinbase"

	EncryptedAPIKey    []byte
	EncryptedAPISecret []byte

	Status     ConnectionStatus
	LastError  string
	LastSyncAt *time.Time
	SyncCursor SyncCursor

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Wallet is a user-owned on-chain wallet known to the system. Used for
// internal-transfer exclusion and indexer queries.
type Wallet struct {
	ID        string
	UserID    string
	Chain     string
	Address   string
	CreatedAt time.Time
}

// DepositAddress is a known exchange-owned deposit address harvested from
// deposit payloads or a connector address query. On-chain sends to one of
// these are classified as transfers to the exchange.
type DepositAddress struct {
	ID           int64
	ConnectionID string
	Asset        string
	Network      string
	Address      string
	CreatedAt    time.Time
}

// Balance is a point-in-time asset balance reported by a venue.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }
