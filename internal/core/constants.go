package core

import "time"

const (
	// PingCheckInterval is the keepalive cadence of the background loop.
	PingCheckInterval = 10 * time.Second

	// HousekeepingPeriod is how often expired peer, path and multicast
	// state is swept.
	HousekeepingPeriod = 120 * time.Second

	// NetworkAutoconfDelay is how stale a network's configuration may get
	// before the background loop re-requests it.
	NetworkAutoconfDelay = 60 * time.Second

	// TimerTaskGranularity floors the background deadline so the host is
	// never asked to spin.
	TimerTaskGranularity = 500 * time.Millisecond

	// DesperationIncrement scales how many ping intervals of supernode
	// silence raise the desperation metric by one.
	DesperationIncrement = 2
)

func millis(d time.Duration) int64 { return int64(d / time.Millisecond) }
