package dto

import (
	"fmt"
	"time"
)

// NodeInfo 节点标识消息
// Topic: iot/hubs/<hub_id>/nodes/<node_id>/info (QoS 1, retain=true)
type NodeInfo struct {
	NodeID     string  `json:"node_id"`
	HubID      string  `json:"hub_id"`
	Name       string  `json:"name,omitempty"`
	MaxPowerKW float64 `json:"max_power_kw"`
}

// Validate 校验NodeInfo字段范围
func (n *NodeInfo) Validate() error {
	if err := checkRequired("node_id", n.NodeID); err != nil {
		return err
	}
	if err := checkMaxLen("node_id", n.NodeID, 50); err != nil {
		return err
	}
	if err := checkMaxLen("hub_id", n.HubID, 50); err != nil {
		return err
	}
	if err := checkMaxLen("name", n.Name, 100); err != nil {
		return err
	}
	if n.MaxPowerKW <= 0 || n.MaxPowerKW > 350 {
		return newRangeError("max_power_kw", n.MaxPowerKW, 0, 350)
	}
	return nil
}

// NodeStatus 节点状态消息，仅在(state, error_code)变化时发布
// Topic: iot/hubs/<hub_id>/nodes/<node_id>/status (QoS 1, retain=false)
type NodeStatus struct {
	State     ChargingState `json:"state"`
	ErrorCode int           `json:"error_code"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewNodeStatus 构造带UTC时间戳的节点状态
func NewNodeStatus(state ChargingState, errorCode int) NodeStatus {
	return NodeStatus{
		State:     state,
		ErrorCode: errorCode,
		Timestamp: time.Now().UTC(),
	}
}

// Validate 校验NodeStatus字段范围
func (n *NodeStatus) Validate() error {
	if !n.State.IsValid() {
		return fmt.Errorf("invalid charging state: %q", n.State)
	}
	if n.ErrorCode < 0 || n.ErrorCode > 9999 {
		return newRangeError("error_code", float64(n.ErrorCode), 0, 9999)
	}
	return nil
}

// NodeTelemetry 节点周期遥测消息
// Topic: iot/hubs/<hub_id>/nodes/<node_id>/telemetry (QoS 0, retain=false)
// 不变式: power_kw ≤ power_limit_kw
type NodeTelemetry struct {
	Voltage            float64   `json:"voltage"`
	Current            float64   `json:"current"`
	PowerKW            float64   `json:"power_kw"`
	PowerLimitKW       float64   `json:"power_limit_kw"`
	IsOccupied         bool      `json:"is_occupied"`
	ConnectedVehicleID string    `json:"connected_vehicle_id,omitempty"`
	CurrentVehicleSoC  *int      `json:"current_vehicle_soc,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Validate 校验NodeTelemetry字段范围及功率不变式
func (n *NodeTelemetry) Validate() error {
	if n.Voltage < 0 || n.Voltage > 1000 {
		return newRangeError("voltage", n.Voltage, 0, 1000)
	}
	if n.Current < 0 || n.Current > 500 {
		return newRangeError("current", n.Current, 0, 500)
	}
	if n.PowerKW < 0 || n.PowerKW > 350 {
		return newRangeError("power_kw", n.PowerKW, 0, 350)
	}
	if n.PowerLimitKW < 0 || n.PowerLimitKW > 350 {
		return newRangeError("power_limit_kw", n.PowerLimitKW, 0, 350)
	}
	if n.PowerKW > n.PowerLimitKW {
		return fmt.Errorf("power_kw (%.3f) cannot exceed power_limit_kw (%.3f)", n.PowerKW, n.PowerLimitKW)
	}
	if err := checkMaxLen("connected_vehicle_id", n.ConnectedVehicleID, 50); err != nil {
		return err
	}
	if n.CurrentVehicleSoC != nil {
		if soc := *n.CurrentVehicleSoC; soc < 0 || soc > 100 {
			return newRangeError("current_vehicle_soc", float64(soc), 0, 100)
		}
	}
	return nil
}
