package referral

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/discovery"
	"github.com/referral-distributor/internal/models"
)

const (
	curve   = "CURVECURVECURVECURVECURVECURVE22"
	alice   = "ALICEALICEALICEALICEALICEALICE22"
	bob     = "BOBBOBBOBBOBBOBBOBBOBBOBBOBBOB22"
	buffer  = "BUFFERBUFFERBUFFERBUFFERBUFFER22"
	bufTmpl = "BUFFERTEMPLATE"
)

type mockLedger struct {
	joints      map[string]*adapter.Joint
	definitions map[string]*adapter.Definition
	responses   []adapter.AAResponse
}

func (m *mockLedger) GetJoint(ctx context.Context, unit string) (*adapter.Joint, error) {
	return m.joints[unit], nil
}

func (m *mockLedger) GetDefinition(ctx context.Context, address string) (*adapter.Definition, error) {
	return m.definitions[address], nil
}

func (m *mockLedger) ListResponses(ctx context.Context, contracts []string) ([]adapter.AAResponse, error) {
	return m.responses, nil
}

type memHolders struct {
	rows map[string]models.Holder
}

func (m *memHolders) Insert(ctx context.Context, h *models.Holder) (bool, error) {
	if _, ok := m.rows[h.Address]; ok {
		return false, nil
	}
	m.rows[h.Address] = *h
	return true, nil
}

type staticContracts struct{ snap *discovery.Snapshot }

func (s staticContracts) Snapshot() *discovery.Snapshot { return s.snap }

func jointWithData(unit string, data map[string]interface{}) *adapter.Joint {
	payload, _ := json.Marshal(data)
	return &adapter.Joint{Unit: unit, Messages: []adapter.Message{
		{App: "payment", Payload: json.RawMessage(`{}`)},
		{App: "data", Payload: payload},
	}}
}

func newTracker() (*Tracker, *mockLedger, *memHolders) {
	ledger := &mockLedger{
		joints: map[string]*adapter.Joint{},
		definitions: map[string]*adapter.Definition{
			curve:  {BaseAA: "CURVETEMPLATE"},
			buffer: {BaseAA: bufTmpl, Params: map[string]interface{}{"address": bob}},
		},
	}
	holders := &memHolders{rows: map[string]models.Holder{}}
	snap := discovery.NewSnapshot(nil, nil, nil)
	snap.ReferralContracts = []string{curve}
	return NewTracker(ledger, holders, staticContracts{snap}, bufTmpl, nil), ledger, holders
}

func response(trigger, unit string) adapter.AAResponse {
	return adapter.AAResponse{AAAddress: curve, TriggerAddress: trigger, TriggerUnit: unit}
}

func referrerOf(t *testing.T, holders *memHolders, address string) string {
	t.Helper()
	h, ok := holders.rows[address]
	require.True(t, ok, "holder %s not recorded", address)
	if h.ReferrerAddress == nil {
		return ""
	}
	return *h.ReferrerAddress
}

func TestOnAAResponse_RecordsReferrer(t *testing.T) {
	tracker, ledger, holders := newTracker()
	ledger.joints["U1"] = jointWithData("U1", map[string]interface{}{"ref": alice})

	require.NoError(t, tracker.OnAAResponse(context.Background(), response(bob, "U1")))
	assert.Equal(t, alice, referrerOf(t, holders, bob))
	assert.Equal(t, "U1", holders.rows[bob].FirstUnit)
}

func TestOnAAResponse_FirstWriteWins(t *testing.T) {
	tracker, ledger, holders := newTracker()
	ledger.joints["U1"] = jointWithData("U1", map[string]interface{}{})
	ledger.joints["U2"] = jointWithData("U2", map[string]interface{}{"ref": alice})

	require.NoError(t, tracker.OnAAResponse(context.Background(), response(bob, "U1")))
	require.NoError(t, tracker.OnAAResponse(context.Background(), response(bob, "U2")))
	assert.Empty(t, referrerOf(t, holders, bob), "the referrer link is set once")
}

func TestOnAAResponse_DiscardsBadRefs(t *testing.T) {
	tests := []struct {
		name string
		ref  interface{}
	}{
		{"invalid address", "not-an-address"},
		{"self referral", bob},
		{"contract referrer", curve},
		{"not a string", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, ledger, holders := newTracker()
			ledger.joints["U1"] = jointWithData("U1", map[string]interface{}{"ref": tt.ref})

			require.NoError(t, tracker.OnAAResponse(context.Background(), response(bob, "U1")))
			assert.Empty(t, referrerOf(t, holders, bob))
		})
	}
}

func TestOnAAResponse_NoDataMessage(t *testing.T) {
	tracker, ledger, holders := newTracker()
	ledger.joints["U1"] = &adapter.Joint{Unit: "U1", Messages: []adapter.Message{{App: "payment"}}}

	require.NoError(t, tracker.OnAAResponse(context.Background(), response(bob, "U1")))
	assert.Empty(t, holders.rows)
}

func TestOnAAResponse_ThroughBuffer(t *testing.T) {
	tracker, ledger, holders := newTracker()
	ledger.joints["U0"] = jointWithData("U0", map[string]interface{}{"ref": alice})

	resp := adapter.AAResponse{
		AAAddress:             curve,
		TriggerAddress:        buffer,
		TriggerUnit:           "U1",
		TriggerInitialUnit:    "U0",
		TriggerInitialAddress: "SOMEONEELSESOMEONEELSESOMEONEE22",
	}
	require.NoError(t, tracker.OnAAResponse(context.Background(), resp))
	assert.Equal(t, alice, referrerOf(t, holders, bob), "the buffer's owner is the holder")

	// the buffer owner cannot refer themselves
	ledger.joints["U2"] = jointWithData("U2", map[string]interface{}{"ref": bob})
	holders.rows = map[string]models.Holder{}
	resp.TriggerInitialUnit, resp.TriggerUnit = "U2", "U3"
	require.NoError(t, tracker.OnAAResponse(context.Background(), resp))
	assert.Empty(t, referrerOf(t, holders, bob))
}

func TestOnAAResponse_IgnoresBouncedAndUnwatched(t *testing.T) {
	tracker, ledger, holders := newTracker()
	ledger.joints["U1"] = jointWithData("U1", map[string]interface{}{"ref": alice})

	bounced := response(bob, "U1")
	bounced.Bounced = true
	require.NoError(t, tracker.OnAAResponse(context.Background(), bounced))

	other := response(bob, "U1")
	other.AAAddress = "ELSEWHERE"
	require.NoError(t, tracker.OnAAResponse(context.Background(), other))

	assert.Empty(t, holders.rows)
}

func TestOnAAResponse_MissingTrigger(t *testing.T) {
	tracker, _, _ := newTracker()
	assert.Error(t, tracker.OnAAResponse(context.Background(), response(bob, "UNKNOWN")))
}

func TestRescan(t *testing.T) {
	tracker, ledger, holders := newTracker()
	ledger.joints["U1"] = jointWithData("U1", map[string]interface{}{"ref": alice})
	ledger.joints["U2"] = jointWithData("U2", map[string]interface{}{})
	ledger.responses = []adapter.AAResponse{response(bob, "U1"), response(alice, "U2")}

	require.NoError(t, tracker.Rescan(context.Background()))
	assert.Len(t, holders.rows, 2)
	assert.Equal(t, alice, referrerOf(t, holders, bob))
}
