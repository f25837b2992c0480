package dto

import (
	"fmt"
	"time"
)

// DLMNotification 动态负载管理事件消息
// Topic: iot/hubs/<hub_id>/dlm/events (QoS 1, retain=false)
// 仅当节点限额变化超过0.1kW或首次分配时发布。
type DLMNotification struct {
	TriggerReason  string    `json:"trigger_reason"`
	OriginalLimit  float64   `json:"original_limit"`
	NewLimit       float64   `json:"new_limit"`
	AffectedNodeID string    `json:"affected_node_id"`
	TotalGridLoad  float64   `json:"total_grid_load"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewDLMNotification 构造带UTC时间戳的负载管理事件
func NewDLMNotification(reason string, originalLimit, newLimit float64, nodeID string, totalLoad float64) DLMNotification {
	return DLMNotification{
		TriggerReason:  reason,
		OriginalLimit:  originalLimit,
		NewLimit:       newLimit,
		AffectedNodeID: nodeID,
		TotalGridLoad:  totalLoad,
		Timestamp:      time.Now().UTC(),
	}
}

// Validate 校验DLMNotification字段范围
func (d *DLMNotification) Validate() error {
	if err := checkRequired("trigger_reason", d.TriggerReason); err != nil {
		return err
	}
	if err := checkMaxLen("trigger_reason", d.TriggerReason, 50); err != nil {
		return err
	}
	if d.OriginalLimit < 0 || d.OriginalLimit > 350 {
		return newRangeError("original_limit", d.OriginalLimit, 0, 350)
	}
	if d.NewLimit < 0 || d.NewLimit > 350 {
		return newRangeError("new_limit", d.NewLimit, 0, 350)
	}
	if err := checkRequired("affected_node_id", d.AffectedNodeID); err != nil {
		return err
	}
	if err := checkMaxLen("affected_node_id", d.AffectedNodeID, 50); err != nil {
		return err
	}
	if d.TotalGridLoad < 0 {
		return fmt.Errorf("total_grid_load must be non-negative: %g", d.TotalGridLoad)
	}
	return nil
}

// VehicleRequest 车辆充电请求消息
// Topic: iot/hubs/<hub_id>/requests (QoS 1, 枢纽订阅)
type VehicleRequest struct {
	VehicleID  string    `json:"vehicle_id"`
	NodeID     string    `json:"node_id"`
	SoCPercent *int      `json:"soc_percent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate 校验VehicleRequest字段范围
func (v *VehicleRequest) Validate() error {
	if err := checkRequired("vehicle_id", v.VehicleID); err != nil {
		return err
	}
	if err := checkMaxLen("vehicle_id", v.VehicleID, 50); err != nil {
		return err
	}
	if err := checkRequired("node_id", v.NodeID); err != nil {
		return err
	}
	if err := checkMaxLen("node_id", v.NodeID, 50); err != nil {
		return err
	}
	if v.SoCPercent != nil {
		if soc := *v.SoCPercent; soc < 0 || soc > 100 {
			return newRangeError("soc_percent", float64(soc), 0, 100)
		}
	}
	return nil
}
