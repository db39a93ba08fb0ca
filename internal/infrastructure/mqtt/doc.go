// Package mqtt provides the optional MQTT event bridge for Fleetcore.
//
// When enabled, every fleet event (tablet online/offline, status change,
// command result) is mirrored onto the broker so building-automation and
// monitoring systems can react to fleet state without speaking WebSocket.
// The bridge is publish-only; Fleetcore never accepts commands from the
// broker.
//
// Topic layout:
//
//	fleetcore/system/status          - bridge online/offline (retained, LWT)
//	fleetcore/events/{kind}/{tablet} - fleet events, one topic per kind
//
// The client handles automatic reconnection with exponential backoff and
// publishes a Last Will and Testament so subscribers can detect an
// ungraceful Fleetcore death.
package mqtt
