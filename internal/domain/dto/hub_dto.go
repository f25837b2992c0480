package dto

import (
	"fmt"
	"net"
	"time"
)

// HubInfo 枢纽标识消息
// Topic: iot/hubs/<hub_id>/info (QoS 1, retain=true)
// 枢纽上线或重启时发布，作为设备目录的保留消息。
type HubInfo struct {
	HubID             string      `json:"hub_id"`
	Location          GeoLocation `json:"location"`
	MaxGridCapacityKW float64     `json:"max_grid_capacity_kw"`
	IPAddress         string      `json:"ip_address"`
	FirmwareVersion   string      `json:"firmware_version"`
}

// Validate 校验HubInfo字段范围
func (h *HubInfo) Validate() error {
	if err := checkRequired("hub_id", h.HubID); err != nil {
		return err
	}
	if err := checkMaxLen("hub_id", h.HubID, 50); err != nil {
		return err
	}
	if err := h.Location.Validate(); err != nil {
		return err
	}
	if h.MaxGridCapacityKW <= 0 || h.MaxGridCapacityKW > 1000 {
		return newRangeError("max_grid_capacity_kw", h.MaxGridCapacityKW, 0, 1000)
	}
	if net.ParseIP(h.IPAddress) == nil {
		return fmt.Errorf("ip_address is not a valid IP address: %q", h.IPAddress)
	}
	if err := checkMaxLen("firmware_version", h.FirmwareVersion, 20); err != nil {
		return err
	}
	return nil
}

// HubStatus 枢纽状态消息
// Topic: iot/hubs/<hub_id>/status (QoS 1, retain=false)
type HubStatus struct {
	State     ConnectionState `json:"state"`
	CPUTemp   float64         `json:"cpu_temp"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewHubStatus 构造带UTC时间戳的状态消息
func NewHubStatus(state ConnectionState, cpuTemp float64) HubStatus {
	return HubStatus{
		State:     state,
		CPUTemp:   cpuTemp,
		Timestamp: time.Now().UTC(),
	}
}

// Validate 校验HubStatus字段范围
func (h *HubStatus) Validate() error {
	if !h.State.IsValid() {
		return fmt.Errorf("invalid connection state: %q", h.State)
	}
	if h.CPUTemp < -40 || h.CPUTemp > 125 {
		return newRangeError("cpu_temp", h.CPUTemp, -40, 125)
	}
	return nil
}
