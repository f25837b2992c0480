package mqtt

import "fmt"

// 主题命名规范: iot/hubs/<hub_id>/... 与 iot/vehicles/<vehicle_id>/...
// 保留消息仅用于info主题，作为设备目录。

// TopicHubInfo 枢纽标识主题 (QoS 1, retain)
func TopicHubInfo(hubID string) string {
	return fmt.Sprintf("iot/hubs/%s/info", hubID)
}

// TopicHubStatus 枢纽状态主题 (QoS 1)
func TopicHubStatus(hubID string) string {
	return fmt.Sprintf("iot/hubs/%s/status", hubID)
}

// TopicNodeInfo 节点标识主题 (QoS 1, retain)
func TopicNodeInfo(hubID, nodeID string) string {
	return fmt.Sprintf("iot/hubs/%s/nodes/%s/info", hubID, nodeID)
}

// TopicNodeStatus 节点状态主题 (QoS 1)
func TopicNodeStatus(hubID, nodeID string) string {
	return fmt.Sprintf("iot/hubs/%s/nodes/%s/status", hubID, nodeID)
}

// TopicNodeTelemetry 节点遥测主题 (QoS 0)
func TopicNodeTelemetry(hubID, nodeID string) string {
	return fmt.Sprintf("iot/hubs/%s/nodes/%s/telemetry", hubID, nodeID)
}

// TopicDLMEvents 负载管理事件主题 (QoS 1)
func TopicDLMEvents(hubID string) string {
	return fmt.Sprintf("iot/hubs/%s/dlm/events", hubID)
}

// TopicRequests 车辆请求主题，枢纽订阅 (QoS 1)
func TopicRequests(hubID string) string {
	return fmt.Sprintf("iot/hubs/%s/requests", hubID)
}

// TopicVehicleTelemetry 车辆遥测主题，绑定期间订阅 (QoS 0)
func TopicVehicleTelemetry(vehicleID string) string {
	return fmt.Sprintf("iot/vehicles/%s/telemetry", vehicleID)
}
