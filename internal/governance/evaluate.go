package governance

import "time"

// Action is the verdict of a rule evaluation.
type Action string

const (
	ActionSend Action = "send"
	ActionSkip Action = "skip"
)

// Named reasons for a verdict, recorded verbatim in the audit trail.
const (
	RuleAlreadyResponded = "already-responded"
	RuleTooSoon          = "too-soon"
	RuleDefault          = "default"
)

// Decision is a verdict plus the rule that produced it.
type Decision struct {
	Action Action `json:"action"`
	Rule   string `json:"rule"`
}

// Input carries everything Evaluate needs. The clock is an explicit field so
// evaluations are deterministic and replayable.
type Input struct {
	State          State
	LastOutboundAt *time.Time
	Inbound        []time.Time
	DelayMinutes   int
	Now            time.Time
}

// Evaluate maps timing and message history to a send/skip verdict. Guards
// are checked in precedence order; the first match wins.
func Evaluate(in Input) Decision {
	if respondedSinceLastOutbound(in.LastOutboundAt, in.Inbound) {
		return Decision{Action: ActionSkip, Rule: RuleAlreadyResponded}
	}
	if in.LastOutboundAt != nil {
		cooldown := time.Duration(in.DelayMinutes) * time.Minute
		if in.Now.Sub(*in.LastOutboundAt) < cooldown {
			return Decision{Action: ActionSkip, Rule: RuleTooSoon}
		}
	}
	return Decision{Action: ActionSend, Rule: RuleDefault}
}

// respondedSinceLastOutbound reports whether any inbound message arrived
// after the most recent outbound. With no outbound ever sent, any inbound
// counts as a response.
func respondedSinceLastOutbound(lastOutbound *time.Time, inbound []time.Time) bool {
	for _, ts := range inbound {
		if lastOutbound == nil || ts.After(*lastOutbound) {
			return true
		}
	}
	return false
}
