package dlm

import "fmt"

// 车辆SoC未知时的默认值
const defaultSoC = 50

// Priority SoC加权优先策略: 电量越低的车辆获得越大份额
// 每个充电节点的优先级 p = max(1, 100 - soc)，按p/Σp比例分配并
// 以节点最大功率封顶。优先级相同的节点在权重类内等额分摊。
func Priority(snapshot []NodeSnapshot, capacityKW float64) []PowerAllocation {
	var charging []NodeSnapshot
	for _, n := range chargingNodes(snapshot) {
		if n.VehicleID != "" {
			charging = append(charging, n)
		}
	}
	if len(charging) == 0 {
		return nil
	}

	type weighted struct {
		node     NodeSnapshot
		priority int
		soc      int
	}

	var totalPriority int
	entries := make([]weighted, 0, len(charging))
	for _, n := range charging {
		soc := defaultSoC
		if n.VehicleSoC != nil {
			soc = *n.VehicleSoC
		}
		priority := 100 - soc
		if priority < 1 {
			priority = 1
		}
		totalPriority += priority
		entries = append(entries, weighted{node: n, priority: priority, soc: soc})
	}

	allocations := make([]PowerAllocation, 0, len(entries))
	for _, e := range entries {
		allocated := float64(e.priority) / float64(totalPriority) * capacityKW
		if allocated > e.node.MaxPowerKW {
			allocated = e.node.MaxPowerKW
		}
		allocations = append(allocations, PowerAllocation{
			NodeID:           e.node.NodeID,
			AllocatedPowerKW: allocated,
			Reason:           fmt.Sprintf("Priority-based (SoC: %d%%, %d active)", e.soc, len(charging)),
		})
	}
	return allocations
}
