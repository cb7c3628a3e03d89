package domain

// transitions lists the allowed target states for each source state. Self
// transitions are listed explicitly where repeating an action is legal (a
// second follow-up, a re-parse, a re-apply on a resolved case).
var transitions = map[State][]State{
	StateInboxLookup: {
		StateInboxLookup, StateParsed, StateOutreachSent, StateWaiting,
		StateResolved, StateEscalated, StateError,
	},
	StateParsed: {
		StateParsed, StateOutreachSent, StateWaiting, StateResolved,
		StateEscalated, StateError,
	},
	StateOutreachSent: {
		StateOutreachSent, StateWaiting, StateParsed, StateFollowupSent,
		StateResolved, StateEscalated, StateError,
	},
	StateWaiting: {
		StateWaiting, StateInboxLookup, StateParsed, StateOutreachSent,
		StateFollowupSent, StateResolved, StateEscalated, StateError,
	},
	StateFollowupSent: {
		StateFollowupSent, StateWaiting, StateParsed, StateOutreachSent,
		StateResolved, StateEscalated, StateError,
	},
	StateResolved: {
		StateResolved,
	},
	StateEscalated: {
		StateEscalated, StateInboxLookup, StateWaiting, StateParsed,
		StateOutreachSent, StateResolved, StateError,
	},
	StateError: {
		StateError, StateInboxLookup, StateWaiting, StateParsed,
		StateOutreachSent, StateResolved, StateEscalated,
	},
}

// CanTransition reports whether a case may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RetryTarget returns the state a forced retry resets a case to: a case that
// never reached the supplier goes back to the inbox search, anything that was
// already sent waits for the reply.
func RetryTarget(touchCount int) State {
	if touchCount == 0 {
		return StateInboxLookup
	}
	return StateWaiting
}
