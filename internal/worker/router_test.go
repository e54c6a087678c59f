package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/referral-distributor/internal/adapter"
)

type recordingHandlers struct {
	mu            sync.Mutex
	discovered    []adapter.EventKind
	responses     []string
	confirmations []string
	discoveryErr  error
}

func (h *recordingHandlers) Handle(ctx context.Context, event adapter.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discovered = append(h.discovered, event.Kind)
	return h.discoveryErr
}

func (h *recordingHandlers) OnAAResponse(ctx context.Context, resp adapter.AAResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, resp.TriggerUnit)
	return nil
}

func (h *recordingHandlers) OnConfirmed(ctx context.Context, resp adapter.AAResponse) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmations = append(h.confirmations, resp.TriggerUnit)
	return false, nil
}

func newTestRouter(t *testing.T, h *recordingHandlers) *EventRouter {
	t.Helper()
	r, err := NewEventRouter(&EventRouterConfig{Discovery: h, Referrals: h, Confirmations: h})
	require.NoError(t, err)
	return r
}

func TestNewEventRouter_RequiresHandlers(t *testing.T) {
	h := &recordingHandlers{}
	_, err := NewEventRouter(&EventRouterConfig{Referrals: h, Confirmations: h})
	assert.Error(t, err)
	_, err = NewEventRouter(&EventRouterConfig{Discovery: h, Confirmations: h})
	assert.Error(t, err)
	_, err = NewEventRouter(&EventRouterConfig{Discovery: h, Referrals: h})
	assert.Error(t, err)
}

func TestEventRouter_Dispatch(t *testing.T) {
	h := &recordingHandlers{}
	r := newTestRouter(t, h)
	ctx := context.Background()

	require.NoError(t, r.Dispatch(ctx, adapter.Event{Kind: adapter.EventDefinitionSaved, Address: "NEWAA"}))
	require.NoError(t, r.Dispatch(ctx, adapter.Event{
		Kind:     adapter.EventAAResponse,
		Address:  "CURVE",
		Response: &adapter.AAResponse{AAAddress: "CURVE", TriggerUnit: "unit1"},
	}))

	assert.Equal(t, []adapter.EventKind{adapter.EventDefinitionSaved, adapter.EventAAResponse}, h.discovered)
	assert.Equal(t, []string{"unit1"}, h.responses)
	assert.Equal(t, []string{"unit1"}, h.confirmations)
}

func TestEventRouter_DispatchContinuesAfterError(t *testing.T) {
	h := &recordingHandlers{discoveryErr: errors.New("ledger down")}
	r := newTestRouter(t, h)

	err := r.Dispatch(context.Background(), adapter.Event{
		Kind:     adapter.EventAAResponse,
		Response: &adapter.AAResponse{TriggerUnit: "unit2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery")
	assert.Equal(t, []string{"unit2"}, h.responses)
	assert.Equal(t, []string{"unit2"}, h.confirmations)
}

func TestEventRouter_RunUntilInboxCloses(t *testing.T) {
	h := &recordingHandlers{}
	r := newTestRouter(t, h)

	inbox := make(chan adapter.Event, 2)
	inbox <- adapter.Event{Kind: adapter.EventDefinitionSaved}
	inbox <- adapter.Event{Kind: adapter.EventAAResponse, Response: &adapter.AAResponse{TriggerUnit: "u"}}
	close(inbox)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), inbox)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router did not stop after the inbox closed")
	}
	assert.Len(t, h.discovered, 2)
	assert.Len(t, h.responses, 1)
}
