package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/logging"
)

// DiscoveryHandler applies notifications to the contract registry
type DiscoveryHandler interface {
	Handle(ctx context.Context, event adapter.Event) error
}

// ReferralHandler records referrals from contract responses
type ReferralHandler interface {
	OnAAResponse(ctx context.Context, resp adapter.AAResponse) error
}

// ConfirmationHandler resumes pending payout acquisitions
type ConfirmationHandler interface {
	OnConfirmed(ctx context.Context, resp adapter.AAResponse) (bool, error)
}

// EventRouterConfig holds the handlers an event router dispatches to
type EventRouterConfig struct {
	Discovery     DiscoveryHandler
	Referrals     ReferralHandler
	Confirmations ConfirmationHandler
}

// EventRouter fans ledger notifications out to their handlers
type EventRouter struct {
	discovery     DiscoveryHandler
	referrals     ReferralHandler
	confirmations ConfirmationHandler
}

// NewEventRouter creates an event router. Every handler is required.
func NewEventRouter(cfg *EventRouterConfig) (*EventRouter, error) {
	if cfg.Discovery == nil {
		return nil, fmt.Errorf("discovery handler cannot be nil")
	}
	if cfg.Referrals == nil {
		return nil, fmt.Errorf("referral handler cannot be nil")
	}
	if cfg.Confirmations == nil {
		return nil, fmt.Errorf("confirmation handler cannot be nil")
	}
	return &EventRouter{
		discovery:     cfg.Discovery,
		referrals:     cfg.Referrals,
		confirmations: cfg.Confirmations,
	}, nil
}

// Dispatch delivers one notification. Every interested handler runs even
// when an earlier one fails; their errors are joined.
func (r *EventRouter) Dispatch(ctx context.Context, event adapter.Event) error {
	var errs []error
	if err := r.discovery.Handle(ctx, event); err != nil {
		errs = append(errs, fmt.Errorf("discovery: %w", err))
	}

	if event.Kind == adapter.EventAAResponse && event.Response != nil {
		if err := r.referrals.OnAAResponse(ctx, *event.Response); err != nil {
			errs = append(errs, fmt.Errorf("referrals: %w", err))
		}
		if _, err := r.confirmations.OnConfirmed(ctx, *event.Response); err != nil {
			errs = append(errs, fmt.Errorf("confirmation: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run consumes notifications until the inbox closes or ctx is done
func (r *EventRouter) Run(ctx context.Context, inbox <-chan adapter.Event) {
	logger := logging.FromContext(ctx).WithField("component", "event_router")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-inbox:
			if !ok {
				logger.Info("Event inbox closed")
				return
			}
			if err := r.Dispatch(ctx, event); err != nil {
				logger.WithFields(map[string]interface{}{
					"address": event.Address,
					"kind":    event.Kind,
				}).WithError(err).Error("Failed to handle ledger event")
			}
		}
	}
}
