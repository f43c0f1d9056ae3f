package schema

// ValidSessionTransitions maps a session status to the statuses it may move to.
var ValidSessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusActive: {SessionStatusCompleted, SessionStatusAbandoned},
}

// ValidEventTransitions maps an outbox status to the statuses it may move to.
var ValidEventTransitions = map[EventStatus][]EventStatus{
	EventStatusPending:    {EventStatusProcessing},
	EventStatusProcessing: {EventStatusPublished, EventStatusPending, EventStatusFailed, EventStatusDeadLetter},
	EventStatusFailed:     {EventStatusPending},
	EventStatusDeadLetter: {EventStatusPending},
}

// ValidateSessionTransition returns an error when from -> to is not allowed.
// Staying in the same status is always allowed.
func ValidateSessionTransition(from, to SessionStatus) error {
	if from == to || contains(ValidSessionTransitions[from], to) {
		return nil
	}
	return NewErrorf(ErrCodeInvalidTransition, "invalid session transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// ValidateEventTransition returns an error when from -> to is not allowed.
func ValidateEventTransition(from, to EventStatus) error {
	if contains(ValidEventTransitions[from], to) {
		return nil
	}
	return NewErrorf(ErrCodeInvalidTransition, "invalid outbox transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
