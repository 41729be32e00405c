package services

import (
	"github.com/pkg/errors"
)

// ListenerState is the state of live ingestion.
type ListenerState string

const (
	StateConnecting ListenerState = "connecting"
	StateListening  ListenerState = "listening"
	StateFailedOver ListenerState = "failed_over"
)

// ListenerEvent drives ListenerState transitions.
type ListenerEvent string

const (
	EventSubscribed         ListenerEvent = "subscribed"
	EventSubscribeFailed    ListenerEvent = "subscribe_failed"
	EventSubscriptionError  ListenerEvent = "subscription_error"
	EventSubscriptionClosed ListenerEvent = "subscription_closed"
	EventEnqueueFailed      ListenerEvent = "enqueue_failed"
	EventGapClosed          ListenerEvent = "gap_closed"
)

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid listener transition")

var listenerTransitions = map[ListenerState]map[ListenerEvent]ListenerState{
	StateConnecting: {
		EventSubscribed:      StateListening,
		EventSubscribeFailed: StateFailedOver,
	},
	StateListening: {
		EventSubscriptionError:  StateFailedOver,
		EventSubscriptionClosed: StateFailedOver,
		EventEnqueueFailed:      StateFailedOver,
	},
	StateFailedOver: {
		EventSubscribeFailed: StateFailedOver,
		EventGapClosed:       StateListening,
	},
}

// NextListenerState applies event to from.
func NextListenerState(from ListenerState, event ListenerEvent) (ListenerState, error) {
	to, ok := listenerTransitions[from][event]
	if !ok {
		return from, errors.Wrapf(ErrInvalidTransition, "%s on %s", event, from)
	}
	return to, nil
}
