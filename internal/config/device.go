package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	DeviceTypeInput  = "input"
	DeviceTypeOutput = "output"
)

// DeviceRecord is the persisted device choice, stored as key=value lines:
//
//	device_id=3
//	device_name=CABLE Output (VB-Audio Virtual Cable)
//	device_type=input
type DeviceRecord struct {
	DeviceID   string
	DeviceName string
	DeviceType string
}

// ReadDeviceRecord parses the device-selection file at path.
func ReadDeviceRecord(path string) (*DeviceRecord, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read device record %s: %w", path, err)
	}

	rec := &DeviceRecord{
		DeviceID:   v.GetString("device_id"),
		DeviceName: v.GetString("device_name"),
		DeviceType: v.GetString("device_type"),
	}
	if rec.DeviceID == "" {
		return nil, fmt.Errorf("device record %s has no device_id", path)
	}
	return rec, nil
}

// IsInput reports whether the record selects a capture device.
func (r *DeviceRecord) IsInput() bool {
	return r != nil && r.DeviceType == DeviceTypeInput
}
