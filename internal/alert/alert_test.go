package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type fakeOpenSubsCounter struct {
	counts map[string]int
}

func (f fakeOpenSubsCounter) CountOpenSubmissions(ctx context.Context, carrierID string) (int, error) {
	return f.counts[carrierID], nil
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, "high", SeverityFor(7))
	assert.Equal(t, "high", SeverityFor(10))
	assert.Equal(t, "medium", SeverityFor(4))
	assert.Equal(t, "medium", SeverityFor(6))
	assert.Equal(t, "low", SeverityFor(3))
	assert.Equal(t, "low", SeverityFor(1))
}

func TestManager_GenerateAlert_NoBoost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewManager(s, nil)

	sig := model.AppetiteSignal{CarrierID: "c1", Kind: model.SignalRateIncrease, Strength: 5, Description: "rate increased 12.0%"}
	a, err := m.GenerateAlert(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, "medium", a.Severity)
	assert.NotEmpty(t, a.ID)
}

func TestManager_GenerateAlert_BoostedByOpenSubmissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewManager(s, fakeOpenSubsCounter{counts: map[string]int{"c1": 3}})

	sig := model.AppetiteSignal{CarrierID: "c1", Kind: model.SignalRateIncrease, Strength: 5, Description: "rate increased"}
	a, err := m.GenerateAlert(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, "high", a.Severity) // 5+2=7 -> high
}

func TestManager_GenerateAlert_BoostClampedAtTen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewManager(s, fakeOpenSubsCounter{counts: map[string]int{"c1": 1}})

	sig := model.AppetiteSignal{CarrierID: "c1", Kind: model.SignalFilingWithdrawal, Strength: 10, Description: "withdrawn"}
	a, err := m.GenerateAlert(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, "high", a.Severity)
}

func TestManager_GetUnreadAndAcknowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewManager(s, nil)

	_, err := m.GenerateAlert(ctx, model.AppetiteSignal{CarrierID: "c1", Kind: model.SignalRateIncrease, Strength: 8})
	require.NoError(t, err)

	unread, err := m.GetUnread(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.NoError(t, m.Acknowledge(ctx, unread[0].ID))

	stillUnread, err := m.GetUnread(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, stillUnread)
}

func TestManager_DailyDigest_GroupsBySeverity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewManager(s, nil)

	_, err := m.GenerateAlert(ctx, model.AppetiteSignal{CarrierID: "c1", Kind: model.SignalRateIncrease, Strength: 9})
	require.NoError(t, err)
	_, err = m.GenerateAlert(ctx, model.AppetiteSignal{CarrierID: "c2", Kind: model.SignalRateDecrease, Strength: 5})
	require.NoError(t, err)
	_, err = m.GenerateAlert(ctx, model.AppetiteSignal{CarrierID: "c3", Kind: model.SignalTerritoryExpansion, Strength: 2})
	require.NoError(t, err)

	digest, err := m.DailyDigest(ctx)
	require.NoError(t, err)
	assert.Len(t, digest.High, 1)
	assert.Len(t, digest.Medium, 1)
	assert.Len(t, digest.Low, 1)
}
