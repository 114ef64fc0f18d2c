package server

import (
	"time"

	"github.com/Borislavv/swarm-scheduler/pkg/calls"
	"github.com/Borislavv/swarm-scheduler/pkg/swarm"
)

// AdmissionView is the limiter part of the stats payload.
type AdmissionView struct {
	Tokens        float64       `json:"tokens"`
	CurrentRate   int           `json:"current_rate_per_minute"`
	EstimatedWait time.Duration `json:"estimated_wait_ns"`
}

// StatsView wires the live scheduler snapshots into the ops server without
// the server depending on concrete scheduler construction.
type StatsView struct {
	Admission func() AdmissionView
	Calls     func() calls.Stats
	Swarms    func() []swarm.State
	Totals    func() swarm.Stats
}

// StatsPayload is the /scheduler/stats response document.
type StatsPayload struct {
	Admission AdmissionView `json:"admission"`
	Calls     calls.Stats   `json:"calls"`
	Swarms    []swarm.State `json:"swarms"`
	Totals    swarm.Stats   `json:"totals"`
}
