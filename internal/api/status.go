package api

import (
	"context"
	"fmt"
	"time"

	"polycopy/pkg/types"
)

// Status is the aggregated system view served on /api/status and pushed to
// freshly connected stream clients.
type Status struct {
	Timestamp         time.Time       `json:"timestamp"`
	Mode              types.Mode      `json:"mode"`
	DailyPnL          float64         `json:"daily_pnl"`
	OpenExposure      float64         `json:"open_exposure"`
	WalletCount       int             `json:"wallet_count"`
	EnabledWallets    int             `json:"enabled_wallets"`
	QueueDepth        int             `json:"queue_depth"`
	EmergencyStop     types.StopState `json:"emergency_stop"`
	LiveConfirmed     bool            `json:"live_confirmed"`
	NeedsFirstLiveAck bool            `json:"needs_first_live_ack"`
	StreamClients     int             `json:"stream_clients"`
}

// Settings is the operator-mutable slice of volatile state.
type Settings struct {
	Mode          types.Mode `json:"mode"`
	LiveConfirmed bool       `json:"live_confirmed"`
}

// SettingsUpdate carries a partial settings change; nil fields are left
// untouched.
type SettingsUpdate struct {
	Mode          *string `json:"mode,omitempty"`
	LiveConfirmed *bool   `json:"live_confirmed,omitempty"`
}

// WalletControlsUpdate carries a partial control change for one wallet;
// nil fields keep their current value.
type WalletControlsUpdate struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	ScaleFactor   *float64 `json:"scale_factor,omitempty"`
	MaxTradeSize  *float64 `json:"max_trade_size,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

// StopRequest names the reason an operator pulls the emergency stop.
type StopRequest struct {
	Reason string `json:"reason"`
}

// WalletDetail pairs a wallet with its aggregate metrics.
type WalletDetail struct {
	types.Wallet
	Metrics types.WalletMetrics `json:"metrics"`
}

// buildStatus assembles the status view from the durable and volatile
// stores. Each read failure aborts the whole build; partially filled status
// responses are worse than an explicit error.
func (h *Handlers) buildStatus(ctx context.Context) (Status, error) {
	mode, err := h.state.Mode(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("api: read mode: %w", err)
	}
	pnl, err := h.state.DailyPnL(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("api: read daily pnl: %w", err)
	}
	exposure, err := h.state.OpenExposure(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("api: read exposure: %w", err)
	}
	stop, err := h.state.EmergencyStop(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("api: read stop state: %w", err)
	}
	confirmed, err := h.state.LiveConfirmed(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("api: read live confirmation: %w", err)
	}
	acked, err := h.state.FirstLiveTradeAcked(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("api: read first-live ack: %w", err)
	}

	wallets, err := h.store.ListWallets(ctx, false)
	if err != nil {
		return Status{}, fmt.Errorf("api: list wallets: %w", err)
	}
	enabled := 0
	for _, w := range wallets {
		if w.Enabled {
			enabled++
		}
	}

	depth := 0
	if h.queue != nil {
		depth = h.queue.Len()
	}
	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}

	return Status{
		Timestamp:         time.Now().UTC(),
		Mode:              mode,
		DailyPnL:          pnl,
		OpenExposure:      exposure,
		WalletCount:       len(wallets),
		EnabledWallets:    enabled,
		QueueDepth:        depth,
		EmergencyStop:     stop,
		LiveConfirmed:     confirmed,
		NeedsFirstLiveAck: !acked,
		StreamClients:     clients,
	}, nil
}

// validModeTransition encodes the mode state machine: paper and live swap
// freely, either can pause, and paused resumes only into paper so a halted
// system never jumps straight back to live trading.
func validModeTransition(from, to types.Mode) bool {
	if from == to {
		return true
	}
	switch from {
	case types.ModePaper:
		return to == types.ModeLive || to == types.ModePaused
	case types.ModeLive:
		return to == types.ModePaper || to == types.ModePaused
	case types.ModePaused:
		return to == types.ModePaper
	}
	return false
}
