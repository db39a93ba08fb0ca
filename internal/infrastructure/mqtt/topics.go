package mqtt

import "fmt"

// topicPrefix is the root of the Fleetcore topic namespace.
const topicPrefix = "fleetcore"

// Topics builds the Fleetcore MQTT topic names.
//
// All topics live under the "fleetcore/" prefix. Event topics carry one
// fleet event kind per level so subscribers can filter with wildcards:
//
//	fleetcore/events/device-online/#   - all registrations
//	fleetcore/events/+/lobby-tablet    - everything about one tablet
type Topics struct{}

// SystemStatus returns the bridge status topic (retained, used for LWT).
func (Topics) SystemStatus() string {
	return topicPrefix + "/system/status"
}

// Event returns the topic for one fleet event kind and tablet.
func (Topics) Event(kind, tabletID string) string {
	return fmt.Sprintf("%s/events/%s/%s", topicPrefix, kind, tabletID)
}
