package dlm

import (
	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/config"
	"github.com/bujia-iot/iot-evhub/pkg/errors"
)

// NodeSnapshot DLM一次决策所见的单节点视图
// 由Hub在注册表读锁下采集，同一轮内保证一致。
type NodeSnapshot struct {
	NodeID         string
	MaxPowerKW     float64
	CurrentPowerKW float64
	State          dto.ChargingState
	VehicleID      string
	VehicleSoC     *int
	IsOccupied     bool
}

// PowerAllocation 单节点的功率分配决策
type PowerAllocation struct {
	NodeID           string
	AllocatedPowerKW float64
	Reason           string
}

// Policy 分配策略，纯函数: 相同快照产生相同分配
type Policy func(snapshot []NodeSnapshot, capacityKW float64) []PowerAllocation

// ForName 按配置名称查找策略
func ForName(name string) (Policy, error) {
	switch name {
	case config.PolicyEqualSharing:
		return EqualSharing, nil
	case config.PolicyPriority:
		return Priority, nil
	default:
		return nil, errors.Newf(errors.ErrPolicyNotFound, "unknown dlm policy: %q", name)
	}
}

// chargingNodes 过滤出占位且处于充电态的节点
func chargingNodes(snapshot []NodeSnapshot) []NodeSnapshot {
	var out []NodeSnapshot
	for _, n := range snapshot {
		if n.IsOccupied && n.State == dto.StateCharging {
			out = append(out, n)
		}
	}
	return out
}
