package dlm

import "fmt"

// EqualSharing 均分策略: 电网容量在充电节点间平均分配
// 封顶后的富余不在本轮重新分配，下一轮重新评估。
// 无充电节点时不产生任何分配，非充电节点保持原限额不动。
func EqualSharing(snapshot []NodeSnapshot, capacityKW float64) []PowerAllocation {
	charging := chargingNodes(snapshot)
	if len(charging) == 0 {
		return nil
	}

	perNode := capacityKW / float64(len(charging))
	reason := fmt.Sprintf("Equal share (%d active)", len(charging))

	allocations := make([]PowerAllocation, 0, len(charging))
	for _, n := range charging {
		allocated := perNode
		if allocated > n.MaxPowerKW {
			allocated = n.MaxPowerKW
		}
		allocations = append(allocations, PowerAllocation{
			NodeID:           n.NodeID,
			AllocatedPowerKW: allocated,
			Reason:           reason,
		})
	}
	return allocations
}
