package rews

import "fmt"

// State is the engine state of a Manager.
type State int

const (
	// StateDisconnected is the zero value: no connection exists,
	// although a Retrier may be trying to establish one.
	StateDisconnected State = iota
	// StatePending indicates that the Manager's connection is being opened.
	StatePending
	// StateActive indicates that the Manager holds an open connection.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StatePending:
		return "Pending"
	case StateActive:
		return "Active"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateDisconnected:
		switch newState {
		// Disconnected to Active happens when a Retrier succeeds.
		case StatePending, StateActive, StateDisconnected:
			return nil
		}
	case StatePending:
		switch newState {
		// Pending to Pending happens when the endpoint changes mid-dial.
		case StateActive, StateDisconnected, StatePending:
			return nil
		}
	case StateActive:
		switch newState {
		case StateDisconnected, StatePending:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
