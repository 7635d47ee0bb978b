/*
Treatment serialization for persistence.

The sealed Treatment interface cannot round-trip through JSON directly,
so storage encodes a flat record carrying the state name plus every
field any state uses, and rehydrates the concrete state struct from it.
Rehydrating into the wrong state is impossible: the record's state name
decides which struct is built, and callers that need a specific state go
through the AsXxx helpers afterwards.
*/
package casefile

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/payment"
)

type treatmentRecord struct {
	State       StateName                 `json:"state"`
	Data        TreatmentData             `json:"data"`
	Assessment  *Assessment               `json:"assessment,omitempty"`
	Simulation  *payment.SimulationResult `json:"simulation,omitempty"`
	DecisionID  core.DecisionID           `json:"decision_id,omitempty"`
	Attestant   core.Attestant            `json:"attestant,omitempty"`
	FinalizedAt time.Time                 `json:"finalized_at,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
	AbortedAt   time.Time                 `json:"aborted_at,omitempty"`
}

// MarshalTreatment encodes any treatment state as JSON.
func MarshalTreatment(t Treatment) ([]byte, error) {
	rec := treatmentRecord{State: t.StateName(), Data: t.Data()}
	switch s := t.(type) {
	case Opened:
	case Assessed:
		rec.Assessment = &s.Assessment
	case SimulatedForApproval:
		rec.Assessment = &s.Assessment
		rec.Simulation = &s.Simulation
	case SentForApproval:
		rec.Assessment = &s.Assessment
		rec.Simulation = &s.Simulation
	case Finalized:
		rec.Assessment = &s.Assessment
		rec.Simulation = &s.Simulation
		rec.DecisionID = s.DecisionID
		rec.Attestant = s.Attestant
		rec.FinalizedAt = s.FinalizedAt
	case Aborted:
		rec.Reason = s.Reason
		rec.AbortedAt = s.AbortedAt
	default:
		return nil, fmt.Errorf("marshal treatment: unknown state %q", t.StateName())
	}
	return json.Marshal(rec)
}

// UnmarshalTreatment rehydrates the concrete state struct from JSON.
func UnmarshalTreatment(data []byte) (Treatment, error) {
	var rec treatmentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal treatment: %w", err)
	}

	switch rec.State {
	case StateOpened:
		return Opened{TreatmentData: rec.Data}, nil
	case StateAssessed:
		if rec.Assessment == nil {
			return nil, fmt.Errorf("unmarshal treatment %s: assessed record without assessment", rec.Data.ID)
		}
		return Assessed{TreatmentData: rec.Data, Assessment: *rec.Assessment}, nil
	case StateSimulatedForApproval:
		if rec.Assessment == nil || rec.Simulation == nil {
			return nil, fmt.Errorf("unmarshal treatment %s: simulated record missing assessment or simulation", rec.Data.ID)
		}
		return SimulatedForApproval{TreatmentData: rec.Data, Assessment: *rec.Assessment, Simulation: *rec.Simulation}, nil
	case StateSentForApproval:
		if rec.Assessment == nil || rec.Simulation == nil {
			return nil, fmt.Errorf("unmarshal treatment %s: sent record missing assessment or simulation", rec.Data.ID)
		}
		return SentForApproval{TreatmentData: rec.Data, Assessment: *rec.Assessment, Simulation: *rec.Simulation}, nil
	case StateFinalized:
		if rec.Assessment == nil || rec.Simulation == nil {
			return nil, fmt.Errorf("unmarshal treatment %s: finalized record missing assessment or simulation", rec.Data.ID)
		}
		return Finalized{
			TreatmentData: rec.Data,
			Assessment:    *rec.Assessment,
			Simulation:    *rec.Simulation,
			DecisionID:    rec.DecisionID,
			Attestant:     rec.Attestant,
			FinalizedAt:   rec.FinalizedAt,
		}, nil
	case StateAborted:
		return Aborted{TreatmentData: rec.Data, Reason: rec.Reason, AbortedAt: rec.AbortedAt}, nil
	default:
		return nil, fmt.Errorf("unmarshal treatment: unknown state %q", rec.State)
	}
}
