package models

import (
	"testing"
	"time"
)

func TestDistribution_State(t *testing.T) {
	ref := "UNIT"
	tests := []struct {
		name string
		d    Distribution
		want DistributionState
	}{
		{"open", Distribution{}, StatePending},
		{"frozen", Distribution{IsFrozen: true}, StateFrozen},
		{"acquiring", Distribution{IsFrozen: true, AcquisitionRef: &ref}, StateFunding},
		{"paying", Distribution{IsFrozen: true, BoughtPayoutAsset: true}, StatePaying},
		{"completed", Distribution{IsFrozen: true, BoughtPayoutAsset: true, IsCompleted: true}, StateCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.State(); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDistribution_Due(t *testing.T) {
	due := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	d := Distribution{DistributionDate: due}

	if d.Due(due.Add(-time.Second)) {
		t.Errorf("Due() before the date should be false")
	}
	if !d.Due(due) {
		t.Errorf("Due() at the date should be true")
	}
}
