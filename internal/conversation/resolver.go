package conversation

// Action is a side effect the resolver asks the engine to run.
type Action string

const (
	ActionSaveMessage    Action = "saveMessage"
	ActionCreateBooking  Action = "createBooking"
	ActionScheduleEvent  Action = "scheduleEvent"
	ActionRequestPayment Action = "requestPayment"
	ActionEscalate       Action = "escalate"
)

// Resolution is the authoritative outcome of one inbound message.
type Resolution struct {
	State   State
	Actions []Action
	// ReturnTo is the state an escape state resolves back to. It is only
	// meaningful when SetReturnTo or ClearReturnTo is true.
	ReturnTo      State
	SetReturnTo   bool
	ClearReturnTo bool
}

// Has reports whether the resolution includes a.
func (r Resolution) Has(a Action) bool {
	for _, got := range r.Actions {
		if got == a {
			return true
		}
	}
	return false
}

// Changed reports whether the resolution moves away from current.
func (r Resolution) Changed(current State) bool {
	return r.State != current
}

// Resolve decides the next state from the current state, the model's
// proposal and validated facts. The proposal only matters for entering or
// leaving the escape states; every forward edge is gated on facts.
func Resolve(current, proposed State, facts Facts, returnTo State) Resolution {
	res := Resolution{State: current}

	switch {
	case current.IsEscape():
		switch {
		case proposed == current || !proposed.Valid():
		case proposed.IsEscape():
			res.State = proposed
		default:
			res.State = returnTo
			if !res.State.Valid() || res.State.IsEscape() {
				res.State = InitialState
			}
			res.ClearReturnTo = true
		}

	case proposed.IsEscape():
		res.State = proposed
		res.ReturnTo = current
		res.SetReturnTo = true

	default:
		res.State, res.Actions = forward(current, facts)
	}

	if res.State == StateSupportRequest && current != StateSupportRequest {
		res.Actions = append(res.Actions, ActionEscalate)
	}
	res.Actions = append(res.Actions, ActionSaveMessage)
	return res
}

func forward(current State, facts Facts) (State, []Action) {
	switch current {
	case StateGreeting:
		return StateShowServices, nil
	case StateShowServices:
		if facts.HasSelectedService {
			return StateServiceSelected, nil
		}
	case StateServiceSelected:
		if facts.HasName {
			return StateAskEmail, nil
		}
		return StateAskName, nil
	case StateAskName:
		if facts.HasName {
			return StateAskEmail, nil
		}
	case StateAskEmail:
		if facts.HasEmail {
			return StateSelectTimeSlot, []Action{ActionCreateBooking}
		}
	case StateSelectTimeSlot:
		if facts.HasPreferredTime {
			if facts.IsLiveCall {
				return StatePayment, []Action{ActionScheduleEvent, ActionRequestPayment}
			}
			return StatePayment, []Action{ActionRequestPayment}
		}
	case StatePayment:
		return StateGreeting, nil
	}
	return current, nil
}

var forwardEdges = map[State][]State{
	StateGreeting:        {StateShowServices},
	StateShowServices:    {StateServiceSelected},
	StateServiceSelected: {StateAskName, StateAskEmail},
	StateAskName:         {StateAskEmail},
	StateAskEmail:        {StateSelectTimeSlot},
	StateSelectTimeSlot:  {StatePayment},
	StatePayment:         {StateGreeting},
}

// IsLegalTransition reports whether from -> to is an edge of the flow.
// Staying put is always legal. Escape states may be entered from anywhere
// and resolve back to any flow state.
func IsLegalTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to || to.IsEscape() || from.IsEscape() {
		return true
	}
	for _, next := range forwardEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
