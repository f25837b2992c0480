package hub

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/mqtt"
	"github.com/bujia-iot/iot-evhub/pkg/errors"
	"github.com/bujia-iot/iot-evhub/pkg/hardware"
)

// MessageType 节点对外消息类别
type MessageType string

const (
	MessageInfo      MessageType = "info"
	MessageStatus    MessageType = "status"
	MessageTelemetry MessageType = "telemetry"
)

// 车辆占位判定阈值: 距离小于50cm视为车辆到位
const vehicleDetectionThresholdCM = 50.0

// 默认遥测周期
const defaultTelemetryInterval = 2 * time.Second

// 遥测循环停止等待超时
const telemetryStopTimeout = 5 * time.Second

// 台架功率折算系数: 传感器测得瓦数折算为节点输出千瓦数
const powerScaleKWPerW = 0.25

// legalTransitions 充电状态机合法迁移表
var legalTransitions = map[dto.ChargingState][]dto.ChargingState{
	dto.StateIdle:     {dto.StateCharging, dto.StateFaulted},
	dto.StateCharging: {dto.StateFull, dto.StateFaulted},
	dto.StateFull:     {dto.StateIdle, dto.StateFaulted},
	dto.StateFaulted:  {dto.StateIdle},
}

// canTransition 判断状态迁移是否合法，同态迁移用于error_code变化
func canTransition(from, to dto.ChargingState) bool {
	if from == to {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DataListener 节点数据监听器
// 节点不感知Broker，数据更新时仅通知监听器，由Hub负责序列化并按
// 规范主题、QoS、retain发布。status载荷在节点锁内捕获后随通知传递，
// 监听器不得回读节点状态，否则并发迁移会覆盖中间状态。
type DataListener interface {
	// OnNotify info或telemetry更新
	OnNotify(node *Node, messageType MessageType)
	// OnStatusChange 状态迁移已提交，status为迁移时刻的载荷
	OnStatusChange(node *Node, status dto.NodeStatus)
}

// VehicleSubscriber 车辆遥测订阅能力，由Hub提供
type VehicleSubscriber interface {
	SubscribeVehicle(vehicleID string, handler mqtt.MessageHandler) error
	UnsubscribeVehicle(vehicleID string) error
}

// Node 充电节点
// 独占自己的传感器与执行器，可变状态由节点锁保护。
type Node struct {
	nodeID     string
	hubID      string
	name       string
	maxPowerKW float64
	simulation bool

	powerSensor     hardware.PowerSensor
	proximitySensor hardware.ProximitySensor
	actuator        hardware.Actuator

	listener   DataListener
	subscriber VehicleSubscriber

	// statusMu横跨状态提交与发布，保证status消息与迁移同序
	statusMu sync.Mutex

	mu                 sync.Mutex
	state              dto.ChargingState
	errorCode          int
	powerLimitKW       float64
	isOccupied         bool
	connectedVehicleID string
	currentVehicleSoC  *int
	lastPower          hardware.PowerSample
	lastDistance       hardware.ProximitySample

	telemetryInterval time.Duration

	loopMu  sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NodeOption Node构造选项
type NodeOption func(*Node)

// WithName 设置节点展示名称
func WithName(name string) NodeOption {
	return func(n *Node) { n.name = name }
}

// WithTelemetryInterval 覆盖默认2秒遥测周期
func WithTelemetryInterval(d time.Duration) NodeOption {
	return func(n *Node) {
		if d > 0 {
			n.telemetryInterval = d
		}
	}
}

// WithSimulation 标记节点运行在仿真模式
func WithSimulation(simulation bool) NodeOption {
	return func(n *Node) { n.simulation = simulation }
}

// NewNode 创建充电节点，初始状态idle
func NewNode(nodeID, hubID string, maxPowerKW float64,
	powerSensor hardware.PowerSensor, proximitySensor hardware.ProximitySensor,
	actuator hardware.Actuator, opts ...NodeOption) *Node {

	n := &Node{
		nodeID:            nodeID,
		hubID:             hubID,
		maxPowerKW:        maxPowerKW,
		simulation:        true,
		powerSensor:       powerSensor,
		proximitySensor:   proximitySensor,
		actuator:          actuator,
		state:             dto.StateIdle,
		telemetryInterval: defaultTelemetryInterval,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NodeID 返回节点标识
func (n *Node) NodeID() string { return n.nodeID }

// MaxPowerKW 返回节点最大功率
func (n *Node) MaxPowerKW() float64 { return n.maxPowerKW }

// Simulation 返回节点是否运行在仿真模式
func (n *Node) Simulation() bool { return n.simulation }

// SetListener 注入数据监听器，必须在Start之前调用
func (n *Node) SetListener(l DataListener) { n.listener = l }

// SetVehicleSubscriber 注入车辆遥测订阅器，必须在Start之前调用
func (n *Node) SetVehicleSubscriber(s VehicleSubscriber) { n.subscriber = s }

// SetState 迁移节点状态
// 仅当(state, error_code)二元组变化时通知监听器发布status。
// 进入charging要求已绑定车辆，防止硬件幻读占位直接开充。
// statusMu持有到发布完成，两次迁移的status不会丢失或乱序。
func (n *Node) SetState(newState dto.ChargingState, errorCode int) error {
	n.statusMu.Lock()
	defer n.statusMu.Unlock()

	n.mu.Lock()

	if n.state == newState && n.errorCode == errorCode {
		n.mu.Unlock()
		return nil
	}
	if !canTransition(n.state, newState) {
		from := n.state
		n.mu.Unlock()
		return errors.Newf(errors.ErrInvalidStateTransition, "illegal transition %s → %s", from, newState)
	}
	if newState == dto.StateCharging && n.connectedVehicleID == "" {
		n.mu.Unlock()
		return errors.New(errors.ErrVehicleNotPresent, "cannot start charging without a bound vehicle")
	}

	oldState := n.state
	n.state = newState
	n.errorCode = errorCode
	status := dto.NewNodeStatus(newState, errorCode)

	var vehicleToUnsubscribe string
	switch newState {
	case dto.StateCharging:
		n.applyActuatorLocked(hardware.ActuatorCommand{Status: hardware.StatusOn, PWMLevel: hardware.PWMMax})
		logger.WithField("node_id", n.nodeID).Info("⚡ 充电开始 (执行器ON)")
	case dto.StateIdle, dto.StateFull, dto.StateFaulted:
		n.applyActuatorLocked(hardware.ActuatorCommand{Status: hardware.StatusOff, PWMLevel: 0})
		vehicleToUnsubscribe = n.connectedVehicleID
		n.connectedVehicleID = ""
		n.currentVehicleSoC = nil
		logger.WithField("node_id", n.nodeID).Info("🔌 充电停止 (执行器OFF)")
	}
	n.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"node_id": n.nodeID,
		"from":    oldState,
		"to":      newState,
	}).Info("🔄 节点状态迁移")

	if vehicleToUnsubscribe != "" && n.subscriber != nil {
		if err := n.subscriber.UnsubscribeVehicle(vehicleToUnsubscribe); err != nil {
			logger.WithFields(map[string]interface{}{
				"vehicle_id": vehicleToUnsubscribe,
				"error":      err,
			}).Warn("车辆遥测退订失败")
		}
	}

	if n.listener != nil {
		n.listener.OnStatusChange(n, status)
	}
	return nil
}

// PublishStatus 在锁内捕获当前状态并发布，启动时的初始发布使用
func (n *Node) PublishStatus() {
	n.statusMu.Lock()
	defer n.statusMu.Unlock()
	n.mu.Lock()
	status := dto.NewNodeStatus(n.state, n.errorCode)
	n.mu.Unlock()
	if n.listener != nil {
		n.listener.OnStatusChange(n, status)
	}
}

// SetPowerLimit 设置DLM功率限额
// 越界分配在此夹紧并告警，充电中的节点同步重设执行器PWM。
// 限额变化不发布status，事件由DLM服务单独通知。
func (n *Node) SetPowerLimit(limitKW float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if limitKW < 0 {
		logger.WithFields(map[string]interface{}{
			"node_id": n.nodeID,
			"limit":   limitKW,
		}).Warn("分配限额为负，夹紧为0")
		limitKW = 0
	}
	if limitKW > n.maxPowerKW {
		logger.WithFields(map[string]interface{}{
			"node_id": n.nodeID,
			"limit":   limitKW,
			"max":     n.maxPowerKW,
		}).Warn("分配限额超过节点最大功率，夹紧")
		limitKW = n.maxPowerKW
	}
	n.powerLimitKW = limitKW

	if n.state == dto.StateCharging {
		pwm := int(math.Round(limitKW / n.maxPowerKW * hardware.PWMMax))
		n.applyActuatorLocked(hardware.ActuatorCommand{Status: hardware.StatusOn, PWMLevel: pwm})
		logger.WithFields(map[string]interface{}{
			"node_id": n.nodeID,
			"limit":   limitKW,
			"pwm":     pwm,
		}).Info("⚙️ DLM限额已生效")
	}
}

// BindVehicle 绑定车辆到节点，由请求接入流程调用
func (n *Node) BindVehicle(vehicleID string, socPercent *int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectedVehicleID = vehicleID
	n.currentVehicleSoC = socPercent
}

// MeasureSensors 读取全部传感器并刷新缓存
// 硬件模式下按距离阈值刷新占位状态；单次读取失败沿用缓存值。
func (n *Node) MeasureSensors() {
	power, perr := n.powerSensor.Measure()
	distance, derr := n.proximitySensor.Measure()

	n.mu.Lock()
	if perr == nil {
		n.lastPower = power
	}
	if derr == nil {
		n.lastDistance = distance
		if !n.simulation {
			n.isOccupied = distance.DistanceCM < vehicleDetectionThresholdCM
		}
	}
	n.mu.Unlock()
}

// GetInfo 节点标识内容
func (n *Node) GetInfo() dto.NodeInfo {
	return dto.NodeInfo{
		NodeID:     n.nodeID,
		HubID:      n.hubID,
		Name:       n.name,
		MaxPowerKW: n.maxPowerKW,
	}
}

// GetStatus 节点状态内容
func (n *Node) GetStatus() dto.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return dto.NewNodeStatus(n.state, n.errorCode)
}

// GetTelemetry 节点遥测内容
// 上报功率夹紧到当前限额，保证power_kw不超过power_limit_kw。
func (n *Node) GetTelemetry() dto.NodeTelemetry {
	n.mu.Lock()
	defer n.mu.Unlock()

	powerKW := n.lastPower.PowerW * powerScaleKWPerW
	if n.state != dto.StateCharging {
		powerKW = 0
	}
	if powerKW > n.powerLimitKW {
		powerKW = n.powerLimitKW
	}

	return dto.NodeTelemetry{
		Voltage:            n.lastPower.Voltage,
		Current:            n.lastPower.Current,
		PowerKW:            powerKW,
		PowerLimitKW:       n.powerLimitKW,
		IsOccupied:         n.isOccupied,
		ConnectedVehicleID: n.connectedVehicleID,
		CurrentVehicleSoC:  n.currentVehicleSoC,
		Timestamp:          time.Now().UTC(),
	}
}

// Snapshot DLM决策所需的节点视图
func (n *Node) Snapshot() (state dto.ChargingState, currentPowerKW float64, vehicleID string, soc *int, occupied bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	currentPowerKW = n.lastPower.PowerW * powerScaleKWPerW
	if n.state != dto.StateCharging {
		currentPowerKW = 0
	}
	if currentPowerKW > n.powerLimitKW {
		currentPowerKW = n.powerLimitKW
	}
	return n.state, currentPowerKW, n.connectedVehicleID, n.currentVehicleSoC, n.isOccupied
}

// IsOccupied 返回当前占位状态
func (n *Node) IsOccupied() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isOccupied
}

// SetOccupied 设置占位状态，仅仿真模式下由绑定流程调用
func (n *Node) SetOccupied(occupied bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isOccupied = occupied
}

// ConnectedVehicleID 返回当前绑定的车辆
func (n *Node) ConnectedVehicleID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connectedVehicleID
}

// ActuatorState 返回执行器最近一次命令
func (n *Node) ActuatorState() hardware.ActuatorCommand {
	return n.actuator.State()
}

// Start 启动周期遥测循环
func (n *Node) Start() {
	n.loopMu.Lock()
	defer n.loopMu.Unlock()
	if n.running {
		return
	}
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	n.running = true
	go n.telemetryLoop(n.stop, n.done)
	logger.WithFields(map[string]interface{}{
		"node_id":  n.nodeID,
		"interval": n.telemetryInterval.String(),
	}).Info("🟢 节点遥测循环已启动")
}

// Stop 停止遥测循环，最多等待5秒
func (n *Node) Stop() {
	n.loopMu.Lock()
	defer n.loopMu.Unlock()
	if !n.running {
		return
	}
	close(n.stop)
	select {
	case <-n.done:
	case <-time.After(telemetryStopTimeout):
		logger.WithField("node_id", n.nodeID).Warn("遥测循环未在超时内退出，放弃等待")
	}
	n.running = false
	logger.WithField("node_id", n.nodeID).Info("🔴 节点遥测循环已停止")
}

// telemetryLoop 周期遥测，每轮兜底恢复
func (n *Node) telemetryLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(n.telemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.telemetryTick()
		}
	}
}

// telemetryTick 单轮遥测: 采样、full→idle检查、发布
func (n *Node) telemetryTick() {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"node_id": n.nodeID,
				"panic":   r,
			}).Error("遥测循环panic，已恢复")
		}
	}()

	n.MeasureSensors()

	n.mu.Lock()
	completed := n.state == dto.StateFull && !n.isOccupied
	n.mu.Unlock()
	if completed {
		if err := n.SetState(dto.StateIdle, 0); err != nil {
			logger.WithFields(map[string]interface{}{
				"node_id": n.nodeID,
				"error":   err,
			}).Error("full→idle迁移失败")
		}
	}

	n.notify(MessageTelemetry)
}

// HandleVehicleTelemetry 车辆遥测处理器
// 刷新SoC；车辆停止充电时节点转full。仿真模式同时清除占位，
// 让下个遥测周期完成full→idle。
func (n *Node) HandleVehicleTelemetry(topic string, payload []byte) {
	var telemetry dto.VehicleTelemetry
	if err := json.Unmarshal(payload, &telemetry); err != nil {
		logger.WithFields(map[string]interface{}{
			"topic": topic,
			"error": err,
		}).Warn("车辆遥测JSON解析失败，丢弃")
		return
	}
	if err := telemetry.Validate(); err != nil {
		logger.WithFields(map[string]interface{}{
			"topic": topic,
			"error": err,
		}).Warn("车辆遥测字段非法，丢弃")
		return
	}

	n.mu.Lock()
	soc := telemetry.BatteryLevel
	n.currentVehicleSoC = &soc
	finished := !telemetry.IsCharging && n.isOccupied && n.state == dto.StateCharging
	if finished && n.simulation {
		n.isOccupied = false
	}
	n.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"node_id": n.nodeID,
		"soc":     telemetry.BatteryLevel,
	}).Debug("📊 收到车辆遥测")

	if finished {
		if err := n.SetState(dto.StateFull, 0); err != nil {
			logger.WithFields(map[string]interface{}{
				"node_id": n.nodeID,
				"error":   err,
			}).Error("charging→full迁移失败")
		}
	}
}

// applyActuatorLocked 下发执行器命令，调用方持有节点锁
// 下发失败只记录日志，限额字段保持生效，下个DLM周期重试。
func (n *Node) applyActuatorLocked(cmd hardware.ActuatorCommand) {
	if err := n.actuator.Apply(cmd); err != nil {
		logger.WithFields(map[string]interface{}{
			"node_id": n.nodeID,
			"error":   err,
		}).Error("执行器命令下发失败")
	}
}

// notify 通知监听器发布对应类别消息
func (n *Node) notify(messageType MessageType) {
	if n.listener != nil {
		n.listener.OnNotify(n, messageType)
	}
}
