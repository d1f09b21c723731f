// Package alert converts appetite signals into severity-classified alerts
// and computes per-market trend reports (C8).
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

// OpenSubmissionsCounter counts a carrier's open SERFF submissions, used to
// boost an alert's effective strength. Optional: Manager works without one.
type OpenSubmissionsCounter interface {
	CountOpenSubmissions(ctx context.Context, carrierID string) (int, error)
}

// Manager classifies signals into alerts and serves the unread/digest views.
type Manager struct {
	store    store.Store
	openSubs OpenSubmissionsCounter
}

// NewManager creates an alert manager. openSubs may be nil, in which case
// no strength boost is applied.
func NewManager(st store.Store, openSubs OpenSubmissionsCounter) *Manager {
	return &Manager{store: st, openSubs: openSubs}
}

// SeverityFor classifies a (possibly boosted) signal strength into the
// fixed high/medium/low vocabulary: >=7 high, >=4 medium, else low.
func SeverityFor(strength int) string {
	switch {
	case strength >= 7:
		return "high"
	case strength >= 4:
		return "medium"
	default:
		return "low"
	}
}

// GenerateAlert converts one signal into a persisted Alert, applying the
// open-submissions strength boost when a counter is configured.
func (m *Manager) GenerateAlert(ctx context.Context, sig model.AppetiteSignal) (*model.Alert, error) {
	strength := sig.Strength
	if m.openSubs != nil {
		n, err := m.openSubs.CountOpenSubmissions(ctx, sig.CarrierID)
		if err == nil && n > 0 {
			strength = model.ClampStrength(float64(strength+2), 1, 10)
		}
	}

	a := &model.Alert{
		SignalID:  sig.ID,
		CarrierID: sig.CarrierID,
		Severity:  SeverityFor(strength),
		Message:   fmt.Sprintf("%s: %s", sig.Kind, sig.Description),
	}
	if err := m.store.InsertAlert(ctx, a); err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "alert: insert"))
	}
	return a, nil
}

// GetUnread returns unread alerts. minSeverity, when non-empty, restricts
// the result to that exact severity ("high", "medium", or "low").
func (m *Manager) GetUnread(ctx context.Context, minSeverity string, limit int) ([]model.Alert, error) {
	alerts, err := m.store.ListUnreadAlerts(ctx, minSeverity, limit)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "alert: list unread"))
	}
	return alerts, nil
}

// Acknowledge marks an alert acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, id string) error {
	if err := m.store.AcknowledgeAlert(ctx, id); err != nil {
		return herrors.New(herrors.KindStorage, eris.Wrap(err, "alert: acknowledge"))
	}
	return nil
}

// Digest groups alerts from the last 24h by severity.
type Digest struct {
	High   []model.Alert
	Medium []model.Alert
	Low    []model.Alert
}

// DailyDigest fetches unread alerts and buckets those created in the last
// 24h by severity.
func (m *Manager) DailyDigest(ctx context.Context) (Digest, error) {
	alerts, err := m.store.ListUnreadAlerts(ctx, "", 500)
	if err != nil {
		return Digest{}, herrors.New(herrors.KindStorage, eris.Wrap(err, "alert: digest list"))
	}
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	var d Digest
	for _, a := range alerts {
		if a.CreatedAt.Before(cutoff) {
			continue
		}
		switch a.Severity {
		case "high":
			d.High = append(d.High, a)
		case "medium":
			d.Medium = append(d.Medium, a)
		default:
			d.Low = append(d.Low, a)
		}
	}
	return d, nil
}
