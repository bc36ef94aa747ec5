// Package mqtt publishes the roam sensors to Home Assistant over MQTT.
//
// SmartRoam appears as a native HA device with availability tracking.
// On every (re-)connect the publisher sends retained discovery config
// payloads for each sensor entity, a birth message ("online") to the
// availability topic, and the last known value of every state. A will
// message moves the availability topic to "offline" on unexpected
// disconnects.
//
// Connection management and reconnection are handled by Eclipse Paho
// v2's [autopaho] package.
package mqtt
