package mqtt

import "github.com/nugget/smartroam/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every sensor entity
// references the same device block so HA groups them under a single
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. The instance ID is the primary
// HA identifier and survives renames; the device name is what the HA
// UI shows.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Hollow Oak",
		Model:        "SmartRoam",
		SWVersion:    buildinfo.Version,
	}
}
