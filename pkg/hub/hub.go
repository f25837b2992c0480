package hub

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/mqtt"
	"github.com/bujia-iot/iot-evhub/pkg/dlm"
	"github.com/bujia-iot/iot-evhub/pkg/errors"
)

// Hub 充电枢纽
// 独占持有全部节点，注册表读多写少: 写入只发生在启动阶段。
// 对外发布自身info/status，并代节点发布info/status/telemetry。
type Hub struct {
	hubID             string
	location          dto.GeoLocation
	maxGridCapacityKW float64
	ipAddress         string
	firmwareVersion   string

	broker Broker
	dlm    *dlm.Service

	registryMu sync.RWMutex
	nodes      map[string]*Node
	order      []string

	stateMu sync.Mutex
	state   dto.ConnectionState
	cpuTemp float64
}

// New 创建枢纽，初始状态offline
func New(hubID string, location dto.GeoLocation, maxGridCapacityKW float64,
	ipAddress, firmwareVersion string, broker Broker, dlmService *dlm.Service) *Hub {

	h := &Hub{
		hubID:             hubID,
		location:          location,
		maxGridCapacityKW: maxGridCapacityKW,
		ipAddress:         ipAddress,
		firmwareVersion:   firmwareVersion,
		broker:            broker,
		dlm:               dlmService,
		nodes:             make(map[string]*Node),
		state:             dto.ConnectionOffline,
	}
	if dlmService != nil {
		dlmService.SetController(h)
	}
	return h
}

// HubID 返回枢纽标识
func (h *Hub) HubID() string { return h.hubID }

// AddNode 注册节点并装配监听器，仅允许在Start之前调用
func (h *Hub) AddNode(node *Node) error {
	h.registryMu.Lock()
	defer h.registryMu.Unlock()
	if _, exists := h.nodes[node.NodeID()]; exists {
		return errors.Newf(errors.ErrInvalidParameter, "duplicate node id: %s", node.NodeID())
	}
	node.SetListener(&nodeListener{
		hub:       h,
		publisher: newNodePublisher(h.broker, h.hubID, node.NodeID()),
	})
	node.SetVehicleSubscriber(h)
	h.nodes[node.NodeID()] = node
	h.order = append(h.order, node.NodeID())
	logger.WithFields(map[string]interface{}{
		"hub_id":  h.hubID,
		"node_id": node.NodeID(),
	}).Info("➕ 节点已注册")
	return nil
}

// GetNode 按标识查找节点
func (h *Hub) GetNode(nodeID string) (*Node, bool) {
	h.registryMu.RLock()
	defer h.registryMu.RUnlock()
	node, ok := h.nodes[nodeID]
	return node, ok
}

// NodeIDs 返回注册顺序的节点标识列表
func (h *Hub) NodeIDs() []string {
	h.registryMu.RLock()
	defer h.registryMu.RUnlock()
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// GetInfo 枢纽标识内容
func (h *Hub) GetInfo() dto.HubInfo {
	return dto.HubInfo{
		HubID:             h.hubID,
		Location:          h.location,
		MaxGridCapacityKW: h.maxGridCapacityKW,
		IPAddress:         h.ipAddress,
		FirmwareVersion:   h.firmwareVersion,
	}
}

// GetStatus 枢纽状态内容
func (h *Hub) GetStatus() dto.HubStatus {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return dto.NewHubStatus(h.state, h.cpuTemp)
}

// Start 启动枢纽
// 顺序: ONLINE → 保留的HubInfo → HubStatus → 各节点info/status →
// 节点遥测循环 → DLM服务。
func (h *Hub) Start(ctx context.Context) error {
	h.setState(ctx, dto.ConnectionOnline)

	if err := h.PublishIdentity(ctx); err != nil {
		return err
	}
	h.publishStatus(ctx)

	h.registryMu.RLock()
	nodes := make([]*Node, 0, len(h.order))
	for _, id := range h.order {
		nodes = append(nodes, h.nodes[id])
	}
	h.registryMu.RUnlock()

	for _, node := range nodes {
		node.notify(MessageInfo)
		node.PublishStatus()
	}
	for _, node := range nodes {
		node.Start()
	}

	if h.dlm != nil {
		if err := h.dlm.Start(ctx); err != nil {
			return err
		}
	}

	logger.WithFields(map[string]interface{}{
		"hub_id": h.hubID,
		"nodes":  len(nodes),
	}).Info("🚀 枢纽已启动")
	return nil
}

// Stop 停止枢纽
// 顺序: DLM → 节点遥测循环 → OFFLINE最终状态 → (调用方断开Broker与串口)
func (h *Hub) Stop(ctx context.Context) {
	if h.dlm != nil {
		h.dlm.Stop()
	}

	h.registryMu.RLock()
	nodes := make([]*Node, 0, len(h.order))
	for _, id := range h.order {
		nodes = append(nodes, h.nodes[id])
	}
	h.registryMu.RUnlock()

	for _, node := range nodes {
		node.Stop()
		if vehicleID := node.ConnectedVehicleID(); vehicleID != "" {
			_ = h.UnsubscribeVehicle(vehicleID)
		}
	}

	h.setState(ctx, dto.ConnectionOffline)
	logger.WithField("hub_id", h.hubID).Info("🛑 枢纽已停止")
}

// PublishIdentity 发布保留的枢纽标识消息
// 幂等，重连后由连接回调再次触发以恢复设备目录。
func (h *Hub) PublishIdentity(ctx context.Context) error {
	info := h.GetInfo()
	if err := info.Validate(); err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, "hub info invalid", err)
	}
	if err := h.broker.PublishJSON(ctx, mqtt.TopicHubInfo(h.hubID), &info, 1, true); err != nil {
		return err
	}
	logger.WithField("hub_id", h.hubID).Info("📤 HubInfo已发布 (retained)")
	return nil
}

// RepublishRetained 重连恢复钩子: 重发枢纽与各节点的保留info
func (h *Hub) RepublishRetained(ctx context.Context) {
	if err := h.PublishIdentity(ctx); err != nil {
		logger.WithField("error", err).Warn("重连后HubInfo重发失败")
	}
	h.registryMu.RLock()
	defer h.registryMu.RUnlock()
	for _, id := range h.order {
		h.nodes[id].notify(MessageInfo)
	}
}

// setState 迁移枢纽连接状态，变化时发布status
func (h *Hub) setState(ctx context.Context, newState dto.ConnectionState) {
	h.stateMu.Lock()
	if h.state == newState {
		h.stateMu.Unlock()
		return
	}
	oldState := h.state
	h.state = newState
	h.stateMu.Unlock()

	logger.WithFields(map[string]interface{}{
		"hub_id": h.hubID,
		"from":   oldState,
		"to":     newState,
	}).Info("🔄 枢纽状态迁移")
	h.publishStatus(ctx)
}

// publishStatus 发布枢纽状态，CPU温度取自仿真读数
func (h *Hub) publishStatus(ctx context.Context) {
	h.stateMu.Lock()
	h.cpuTemp = readCPUTemp()
	status := dto.NewHubStatus(h.state, h.cpuTemp)
	h.stateMu.Unlock()

	if err := h.broker.PublishJSON(ctx, mqtt.TopicHubStatus(h.hubID), &status, 1, false); err != nil {
		logger.WithField("error", err).Warn("HubStatus发布失败")
		return
	}
	logger.WithField("state", status.State).Info("📤 HubStatus已发布")
}

// readCPUTemp 仿真CPU温度读数，范围40~60℃
func readCPUTemp() float64 {
	return 40.0 + rand.Float64()*20.0
}

// NodesSnapshot 实现dlm.NodeController
// 注册表读锁下采集，按节点标识排序保证策略输入确定性。
func (h *Hub) NodesSnapshot() []dlm.NodeSnapshot {
	h.registryMu.RLock()
	defer h.registryMu.RUnlock()

	ids := make([]string, len(h.order))
	copy(ids, h.order)
	sort.Strings(ids)

	snapshot := make([]dlm.NodeSnapshot, 0, len(ids))
	for _, id := range ids {
		node := h.nodes[id]
		state, currentPowerKW, vehicleID, soc, occupied := node.Snapshot()
		snapshot = append(snapshot, dlm.NodeSnapshot{
			NodeID:         id,
			MaxPowerKW:     node.MaxPowerKW(),
			CurrentPowerKW: currentPowerKW,
			State:          state,
			VehicleID:      vehicleID,
			VehicleSoC:     soc,
			IsOccupied:     occupied,
		})
	}
	return snapshot
}

// ApplyAllocation 实现dlm.NodeController: 把分配落到节点
// 无法落地的分配记日志忽略，越界的有限值由节点自行夹紧。
func (h *Hub) ApplyAllocation(alloc dlm.PowerAllocation) {
	if err := h.applyAllocation(alloc); err != nil {
		logger.WithFields(map[string]interface{}{
			"node_id": alloc.NodeID,
			"error":   err,
		}).Warn("分配无法落地，忽略")
	}
}

func (h *Hub) applyAllocation(alloc dlm.PowerAllocation) error {
	if math.IsNaN(alloc.AllocatedPowerKW) || math.IsInf(alloc.AllocatedPowerKW, 0) {
		return errors.Newf(errors.ErrAllocationInvalid, "non-finite allocation %f for node %s", alloc.AllocatedPowerKW, alloc.NodeID)
	}
	node, ok := h.GetNode(alloc.NodeID)
	if !ok {
		return errors.Newf(errors.ErrNodeNotFound, "allocation target %s not registered", alloc.NodeID)
	}
	node.SetPowerLimit(alloc.AllocatedPowerKW)
	return nil
}

// HandleVehicleAssignment 实现dlm.NodeController: 车辆绑定流程
// 失败一律告警丢弃，消息契约没有应答主题。
func (h *Hub) HandleVehicleAssignment(req *dto.VehicleRequest) {
	if err := h.assignVehicle(req); err != nil {
		logger.WithFields(map[string]interface{}{
			"node_id":    req.NodeID,
			"vehicle_id": req.VehicleID,
			"error":      err,
		}).Warn("充电请求被拒绝，丢弃")
		return
	}

	logger.WithFields(map[string]interface{}{
		"vehicle_id": req.VehicleID,
		"node_id":    req.NodeID,
	}).Info("🔌 车辆已绑定并开始充电")
}

// assignVehicle 执行绑定
// 1. 查找节点，未知节点返回ErrNodeNotFound
// 2. 忙碌节点(非idle或已绑定)返回ErrNodeBusy
// 3. 绑定车辆字段后强制读一次传感器，硬件模式下未检测到占位
//    则回滚绑定(车辆尚未到位)
// 4. 迁移到charging(接通执行器并发布status)
// 5. 订阅车辆遥测用于完成检测
func (h *Hub) assignVehicle(req *dto.VehicleRequest) error {
	node, ok := h.GetNode(req.NodeID)
	if !ok {
		return errors.Newf(errors.ErrNodeNotFound, "node %s not registered", req.NodeID)
	}

	status := node.GetStatus()
	if status.State != dto.StateIdle || node.ConnectedVehicleID() != "" {
		return errors.Newf(errors.ErrNodeBusy, "node %s is %s", req.NodeID, status.State)
	}

	node.BindVehicle(req.VehicleID, req.SoCPercent)

	node.MeasureSensors()
	if node.Simulation() {
		// 仿真模式下绑定即视为车辆到位
		node.SetOccupied(true)
	} else if !node.IsOccupied() {
		node.BindVehicle("", nil)
		return errors.Newf(errors.ErrVehicleNotPresent, "no vehicle detected at node %s", req.NodeID)
	}

	if err := node.SetState(dto.StateCharging, 0); err != nil {
		node.BindVehicle("", nil)
		return err
	}

	if err := h.SubscribeVehicle(req.VehicleID, node.HandleVehicleTelemetry); err != nil {
		// 订阅失败不回滚充电，完成检测退化为占位轮询
		logger.WithFields(map[string]interface{}{
			"vehicle_id": req.VehicleID,
			"error":      err,
		}).Warn("车辆遥测订阅失败")
	}
	return nil
}

/// SubscribeVehicle 实现VehicleSubscriber: 订阅车辆遥测
func (h *Hub) SubscribeVehicle(vehicleID string, handler mqtt.MessageHandler) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.broker.Subscribe(ctx, mqtt.TopicVehicleTelemetry(vehicleID), 0, handler); err != nil {
		return err
	}
	logger.WithField("vehicle_id", vehicleID).Info("🔔 已订阅车辆遥测")
	return nil
}

// UnsubscribeVehicle 实现VehicleSubscriber: 退订车辆遥测，幂等
func (h *Hub) UnsubscribeVehicle(vehicleID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.broker.Unsubscribe(ctx, mqtt.TopicVehicleTelemetry(vehicleID)); err != nil {
		return err
	}
	logger.WithField("vehicle_id", vehicleID).Info("🔕 已退订车辆遥测")
	return nil
}
