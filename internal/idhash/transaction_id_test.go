package idhash

import (
	"testing"
)

func TestComputeTransactionID(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		ownerID    string
		externalID string
		wantLen    int // hash length should be 64
	}{
		{
			name:       "exchange trade",
			source:     "EXCHANGE",
			ownerID:    "conn-1",
			externalID: "binance:trade:BTCUSDT:482930",
			wantLen:    64,
		},
		{
			name:       "onchain transfer",
			source:     "ONCHAIN",
			ownerID:    "wallet-7",
			externalID: "0xdeadbeef:12",
			wantLen:    64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTransactionID(tt.source, tt.ownerID, tt.externalID)

			if len(got) != tt.wantLen {
				t.Errorf("ComputeTransactionID() length = %d, want %d", len(got), tt.wantLen)
			}

			// Verify determinism: same inputs should produce same output
			got2 := ComputeTransactionID(tt.source, tt.ownerID, tt.externalID)
			if got != got2 {
				t.Errorf("ComputeTransactionID() not deterministic: %s != %s", got, got2)
			}
		})
	}
}

func TestComputeTransactionID_DifferentInputs(t *testing.T) {
	base := ComputeTransactionID("EXCHANGE", "conn", "ext")

	if base == ComputeTransactionID("ONCHAIN", "conn", "ext") {
		t.Error("Different source should produce different hash")
	}
	if base == ComputeTransactionID("EXCHANGE", "other_conn", "ext") {
		t.Error("Different owner should produce different hash")
	}
	if base == ComputeTransactionID("EXCHANGE", "conn", "other_ext") {
		t.Error("Different external id should produce different hash")
	}
}
