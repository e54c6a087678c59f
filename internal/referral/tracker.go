// Package referral records holders and their referrer links from contract
// responses.
package referral

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/discovery"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/models"
	"github.com/referral-distributor/internal/types"
)

// Ledger is the part of the ledger query interface the tracker reads
type Ledger interface {
	GetJoint(ctx context.Context, unit string) (*adapter.Joint, error)
	GetDefinition(ctx context.Context, address string) (*adapter.Definition, error)
	ListResponses(ctx context.Context, contracts []string) ([]adapter.AAResponse, error)
}

// HolderWriter stores holders with first-write-wins semantics
type HolderWriter interface {
	Insert(ctx context.Context, h *models.Holder) (bool, error)
}

// Contracts provides the contracts whose responses carry referrals
type Contracts interface {
	Snapshot() *discovery.Snapshot
}

// Tracker turns contract responses into holder records
type Tracker struct {
	ledger    Ledger
	holders   HolderWriter
	contracts Contracts
	buffer    string
	clock     clockwork.Clock
}

// NewTracker creates a tracker. bufferTemplate is the template of the
// contracts that forward requests on behalf of a holder.
func NewTracker(ledger Ledger, holders HolderWriter, contracts Contracts, bufferTemplate string, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{ledger: ledger, holders: holders, contracts: contracts, buffer: bufferTemplate, clock: clock}
}

func (t *Tracker) watched(contract string) bool {
	for _, c := range t.contracts.Snapshot().ReferralContracts {
		if c == contract {
			return true
		}
	}
	return false
}

// OnAAResponse records the holder behind a response of a watched contract.
// Responses of other contracts are ignored.
func (t *Tracker) OnAAResponse(ctx context.Context, resp adapter.AAResponse) error {
	if !t.watched(resp.AAAddress) {
		return nil
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "referral",
		"contract":  resp.AAAddress,
		"trigger":   resp.TriggerUnit,
	})
	if resp.Bounced {
		logger.Debug("Skipping bounced trigger")
		return nil
	}

	initialUnit := resp.InitialUnit()
	joint, err := t.ledger.GetJoint(ctx, initialUnit)
	if err != nil {
		return err
	}
	if joint == nil {
		return fmt.Errorf("initial trigger %s not found", initialUnit)
	}
	data := joint.DataPayload()
	if data == nil {
		logger.Debug("No data message in initial trigger")
		return nil
	}

	holder := resp.InitialAddress()
	ref, _ := data["ref"].(string)
	switch {
	case ref == "":
	case !types.IsValidAddress(ref):
		logger.WithField("ref", ref).Info("Ref is not a valid address")
		ref = ""
	case ref == holder:
		logger.WithField("ref", ref).Info("Self-referral ignored")
		ref = ""
	default:
		def, err := t.ledger.GetDefinition(ctx, ref)
		if err != nil {
			return err
		}
		if def != nil {
			logger.WithField("ref", ref).Info("Contract referrer ignored")
			ref = ""
		}
	}

	sender, err := t.ledger.GetDefinition(ctx, resp.TriggerAddress)
	if err != nil {
		return err
	}
	if sender != nil && t.buffer != "" && sender.BaseAA == t.buffer {
		holder = sender.Param("address")
		if !types.IsValidAddress(holder) {
			return fmt.Errorf("bad address in buffer contract %s", resp.TriggerAddress)
		}
		if ref == holder {
			logger.WithField("ref", ref).Info("Self-referral through buffer ignored")
			ref = ""
		}
	}

	h := &models.Holder{Address: holder, FirstUnit: resp.TriggerUnit, CreatedAt: t.clock.Now()}
	if ref != "" {
		h.ReferrerAddress = &ref
	}
	inserted, err := t.holders.Insert(ctx, h)
	if err != nil {
		return err
	}
	if inserted {
		logger.WithFields(map[string]interface{}{"holder": holder, "referrer": ref}).Info("Recorded new holder")
	}
	return nil
}

// Rescan replays every stored response of the watched contracts
func (t *Tracker) Rescan(ctx context.Context) error {
	contracts := t.contracts.Snapshot().ReferralContracts
	if len(contracts) == 0 {
		return nil
	}
	responses, err := t.ledger.ListResponses(ctx, contracts)
	if err != nil {
		return err
	}

	logger := logging.FromContext(ctx).WithField("component", "referral")
	logger.Infof("Rescanning %d responses", len(responses))
	for _, resp := range responses {
		if err := t.OnAAResponse(ctx, resp); err != nil {
			return fmt.Errorf("failed to process response to %s: %w", resp.TriggerUnit, err)
		}
	}
	logger.Info("Rescan done")
	return nil
}
