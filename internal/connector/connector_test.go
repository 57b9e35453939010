package connector

import (
	"errors"
	"testing"

	"ledgersync/internal/domain"
)

func TestPhaseResultRunIsolatesErrors(t *testing.T) {
	r := &PhaseResult{Phase: PhaseCore}

	r.Run("trades", func() error {
		r.Add(&domain.ExchangeRecord{ExternalID: "t1"})
		return nil
	})
	r.Run("deposits", func() error {
		return errors.New("HTTP 502")
	})
	r.Run("withdrawals", func() error {
		r.Add(&domain.ExchangeRecord{ExternalID: "w1"})
		return nil
	})

	if len(r.Records) != 2 {
		t.Fatalf("records = %d, want 2 (healthy endpoints must survive a failure)", len(r.Records))
	}
	if len(r.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", r.Errors)
	}
	if r.Errors[0].Endpoint != "deposits" {
		t.Errorf("error endpoint = %q, want %q", r.Errors[0].Endpoint, "deposits")
	}
}

func TestPhaseResultRunRecoversPanic(t *testing.T) {
	r := &PhaseResult{}

	r.Run("convert", func() error {
		panic("nil map write")
	})
	r.Run("dust", func() error {
		r.Add(&domain.ExchangeRecord{ExternalID: "d1"})
		return nil
	})

	if len(r.Errors) != 1 || r.Errors[0].Endpoint != "convert" {
		t.Fatalf("errors = %v, want one panic error for convert", r.Errors)
	}
	if len(r.Records) != 1 {
		t.Fatalf("records = %d, want the post-panic endpoint to have run", len(r.Records))
	}
}

func TestUniverse(t *testing.T) {
	u := NewUniverse("BTC", "eth")
	u.Add("", "sol")
	u.AddRecords([]*domain.ExchangeRecord{
		{Asset: "ADA", QuoteAsset: "USDT", FeeAsset: "BNB"},
	})

	if !u.Contains("btc") || !u.Contains("USDT") || !u.Contains("BNB") {
		t.Fatalf("universe missing expected symbols: %v", u.Symbols())
	}
	if u.Contains("DOGE") {
		t.Error("universe contains symbol never added")
	}

	want := []string{"ADA", "BNB", "BTC", "ETH", "SOL", "USDT"}
	got := u.Symbols()
	if len(got) != len(want) {
		t.Fatalf("Symbols() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Symbols() = %v, want %v", got, want)
		}
	}
}

func TestRegistryUnknownExchange(t *testing.T) {
	r := NewRegistry()
	r.Register("binance", func(creds Credentials) (Connector, error) { return nil, nil })

	if _, err := r.New("kraken", Credentials{}); err == nil {
		t.Fatal("New() with unregistered name should fail")
	}
	names := r.Names()
	if len(names) != 1 || names[0] != "binance" {
		t.Fatalf("Names() = %v", names)
	}
}
