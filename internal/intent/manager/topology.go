package manager

import (
	"context"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

// HandleTopologyChange is the topology-change hook (spec.md §4.7): for
// every affected key this node masters, it re-submits the intent if it has
// no pending data. If compileAllFailed is set, it additionally sweeps
// every intent in INSTALL_REQ/FAILED/WITHDRAW_REQ, or that allows partial
// failure, and re-submits or re-withdraws it as its state indicates.
func (m *Manager) HandleTopologyChange(ctx context.Context, affected []intent.Key, compileAllFailed bool) {
	for _, key := range affected {
		if !m.store.IsMaster(ctx, key) {
			continue
		}
		if _, pending := m.store.GetPendingData(ctx, key); pending {
			continue
		}
		data, ok := m.store.GetIntentData(ctx, key)
		if !ok {
			continue
		}
		_ = m.Submit(ctx, data.Intent)
	}

	if !compileAllFailed {
		return
	}

	for _, data := range m.store.GetIntents(ctx) {
		if !m.store.IsMaster(ctx, data.Key) {
			continue
		}
		if _, pending := m.store.GetPendingData(ctx, data.Key); pending {
			continue
		}
		if data.State == intent.StateInstallReq || data.State == intent.StateFailed ||
			data.State == intent.StateWithdrawReq || data.Intent.AllowPartialFailure {
			m.redrive(ctx, data)
		}
	}
}

// redrive re-submits or re-withdraws data's intent depending on which
// direction its last known state indicates (spec.md §4.7: "re-submit or
// re-withdraw as state indicates").
func (m *Manager) redrive(ctx context.Context, data intent.IntentData) {
	switch data.State {
	case intent.StateWithdrawReq, intent.StateWithdrawing, intent.StateWithdrawn:
		_ = m.Withdraw(ctx, data.Intent)
	default:
		_ = m.Submit(ctx, data.Intent)
	}
}
