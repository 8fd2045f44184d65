package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every Gray Lift topic.
const TopicPrefix = "graylift"

// Topics provides builders for Gray Lift MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.RelayStatus("lift-a")      // graylift/relay/lift-a/status
//	topics.ElevatorCommand("lift-a")  // graylift/command/elevator/lift-a
type Topics struct{}

// SystemStatus carries the retained online/offline status of the core.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// RelayStatus carries retained relay connection status.
func (Topics) RelayStatus(relayID string) string {
	return fmt.Sprintf("%s/relay/%s/status", TopicPrefix, relayID)
}

// RelayInputs carries input-changed events from a relay.
func (Topics) RelayInputs(relayID string) string {
	return fmt.Sprintf("%s/relay/%s/inputs", TopicPrefix, relayID)
}

// ElevatorState carries retained elevator state machine snapshots.
func (Topics) ElevatorState(relayID string) string {
	return fmt.Sprintf("%s/elevator/%s/state", TopicPrefix, relayID)
}

// ElevatorArrival carries floor arrival events.
func (Topics) ElevatorArrival(relayID string) string {
	return fmt.Sprintf("%s/elevator/%s/arrival", TopicPrefix, relayID)
}

// ElevatorCommand is where external systems request elevator actions.
func (Topics) ElevatorCommand(relayID string) string {
	return fmt.Sprintf("%s/command/elevator/%s", TopicPrefix, relayID)
}

// AllElevatorCommands matches ElevatorCommand for every relay.
func (Topics) AllElevatorCommands() string {
	return TopicPrefix + "/command/elevator/+"
}

// ElevatorCommandResult carries the outcome of a command received on
// ElevatorCommand.
func (Topics) ElevatorCommandResult(relayID string) string {
	return fmt.Sprintf("%s/command/elevator/%s/result", TopicPrefix, relayID)
}

// LastSegment returns the final path element of a topic, which for every
// per-relay topic above is the relay ID.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
