// Package fsm defines the daemon lifecycle state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateInitializing       State = "initializing"
	StateWaitingForDevice   State = "waiting_for_device"
	StateCreatingNodes      State = "creating_nodes"
	StateRunning            State = "running"
	StateDeviceDisconnected State = "device_disconnected"
	StateReconciling        State = "reconciling"
	StateShuttingDown       State = "shutting_down"
)

const (
	EventGraphReady Event = "graph_ready"
	// EventDeviceTimeout leaves the device wait without a capture device;
	// the daemon proceeds in generic-mixer mode.
	EventDeviceTimeout Event = "device_timeout"
	EventNodesCreated  Event = "nodes_created"
	EventDeviceLost    Event = "device_lost"
	EventDeviceFound   Event = "device_found"
	EventGraphLost     Event = "graph_lost"
	EventRebuilt       Event = "rebuilt"
	EventShutdown      Event = "shutdown"
)

func Transition(current State, event Event) (State, error) {
	if event == EventShutdown {
		return StateShuttingDown, nil
	}
	if current == StateShuttingDown {
		return current, invalidTransition(current, event)
	}
	if event == EventGraphLost {
		return StateReconciling, nil
	}

	switch current {
	case StateInitializing:
		switch event {
		case EventGraphReady:
			return StateWaitingForDevice, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateWaitingForDevice:
		switch event {
		case EventDeviceFound, EventDeviceTimeout:
			return StateCreatingNodes, nil
		case EventDeviceLost:
			return current, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateCreatingNodes:
		switch event {
		case EventNodesCreated:
			return StateRunning, nil
		case EventDeviceFound:
			return current, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRunning:
		switch event {
		case EventDeviceLost:
			return StateDeviceDisconnected, nil
		case EventDeviceFound, EventRebuilt:
			return StateRunning, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateDeviceDisconnected:
		switch event {
		case EventDeviceFound:
			return StateRunning, nil
		case EventDeviceLost:
			return current, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateReconciling:
		switch event {
		case EventRebuilt:
			return StateRunning, nil
		case EventDeviceLost, EventDeviceFound:
			return current, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
