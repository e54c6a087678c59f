package types

import (
	"testing"
	"time"
)

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"7AUBFK4YAUGUF3RWWYRFXXF7BBWY2V7Y", true},
		{"7aubfk4yaugUF3RWWYRFXXF7BBWY2V7Y", false},
		{"7AUBFK4YAUGUF3RWWYRFXXF7BBWY2V7", false},
		{"0AUBFK4YAUGUF3RWWYRFXXF7BBWY2V7Y", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValidAddress(tt.in); got != tt.want {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAssetInfo_Expired(t *testing.T) {
	now := time.Now()
	if (AssetInfo{}).Expired(now) {
		t.Errorf("entry without expiry should never expire")
	}
	if !(AssetInfo{ExpiresAt: now}).Expired(now) {
		t.Errorf("entry should expire at its deadline")
	}
	if (AssetInfo{ExpiresAt: now.Add(time.Hour)}).Expired(now) {
		t.Errorf("entry should be valid before its deadline")
	}
}

func TestPriceTable_GetNil(t *testing.T) {
	var table *PriceTable
	if _, ok := table.Get(BaseAsset); ok {
		t.Errorf("nil table should have no prices")
	}
}

func TestDerivedAssetSpec_Reference(t *testing.T) {
	spec := NewInterestShare("AA", "shares", "interest")
	if spec.Reference(0) != "interest" || spec.Reference(1) != "" {
		t.Errorf("unexpected references: %v", spec.References)
	}
}
