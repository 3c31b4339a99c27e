package feed

import "time"

// LiveStatus combines the connection state of the signal and equity feeds
type LiveStatus struct {
	SignalsConnected bool      `json:"signals_connected"`
	PnLConnected     bool      `json:"pnl_connected"`
	LastActivity     time.Time `json:"last_activity"`
}

// IsLive reports whether any stream is connected
func (s LiveStatus) IsLive() bool { return s.SignalsConnected || s.PnLConnected }

// FullyConnected reports whether both streams are connected
func (s LiveStatus) FullyConnected() bool { return s.SignalsConnected && s.PnLConnected }

// Live reads the combined status. Either feed may be nil.
func Live(signals *SignalFeed, equity *EquityFeed) LiveStatus {
	var st LiveStatus
	if signals != nil {
		s := signals.State()
		st.SignalsConnected = s.Connected()
		st.LastActivity = s.LastActivity
	}
	if equity != nil {
		e := equity.State()
		st.PnLConnected = e.Connected()
		if e.LastActivity.After(st.LastActivity) {
			st.LastActivity = e.LastActivity
		}
	}
	return st
}
