package dlm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/mqtt"
)

// 停止时等待循环退出的超时
const stopTimeout = 5 * time.Second

// 事件审计环保留的最大条数
const maxAuditEvents = 100

// 限额变化通知阈值，低于该值的抖动不产生事件
const notifyEpsilonKW = 0.1

// Broker DLM对消息层的依赖
type Broker interface {
	PublishJSON(ctx context.Context, topic string, v interface{}, qos byte, retain bool) error
	Subscribe(ctx context.Context, filter string, qos byte, handler mqtt.MessageHandler) error
}

// NodeController DLM对枢纽的依赖，由Hub实现
type NodeController interface {
	// NodesSnapshot 在注册表读锁下采集全部节点的一致视图
	NodesSnapshot() []NodeSnapshot
	// ApplyAllocation 把分配落到节点，更新限额并重设执行器PWM
	ApplyAllocation(alloc PowerAllocation)
	// HandleVehicleAssignment 处理车辆绑定请求
	HandleVehicleAssignment(req *dto.VehicleRequest)
}

// AuditEvent 已发布的负载管理事件记录
type AuditEvent struct {
	EventID      string              `json:"event_id"`
	Notification dto.DLMNotification `json:"notification"`
}

// Service 动态负载管理服务
// 周期性执行策略，也可由车辆绑定事件立即触发。每个节点的限额
// 变化超过阈值时发布一条可审计的DLM事件。
type Service struct {
	hubID      string
	capacityKW float64
	policy     Policy
	policyName string
	interval   time.Duration

	broker     Broker
	controller NodeController

	// applyMu 串行化整轮策略，周期触发与请求触发不交错
	applyMu sync.Mutex

	// 每节点最近一次已发布的限额
	trackerMu sync.Mutex
	tracker   map[string]float64

	eventsMu sync.Mutex
	events   []AuditEvent

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	startMu sync.Mutex
	started bool
}

// NewService 创建DLM服务
func NewService(hubID string, capacityKW float64, policy Policy, policyName string, interval time.Duration, broker Broker) *Service {
	return &Service{
		hubID:      hubID,
		capacityKW: capacityKW,
		policy:     policy,
		policyName: policyName,
		interval:   interval,
		broker:     broker,
		tracker:    make(map[string]float64),
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetController 注入枢纽回调，必须在Start之前调用
func (s *Service) SetController(c NodeController) {
	s.controller = c
}

// Start 订阅车辆请求并启动周期循环
func (s *Service) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}

	topic := mqtt.TopicRequests(s.hubID)
	if err := s.broker.Subscribe(ctx, topic, 1, s.onVehicleRequest); err != nil {
		return err
	}
	logger.WithField("topic", topic).Info("🔔 已订阅车辆请求")

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
	s.started = true
	logger.WithFields(map[string]interface{}{
		"policy":   s.policyName,
		"interval": s.interval.String(),
	}).Info("🟢 DLM服务已启动")
	return nil
}

// Stop 停止周期循环，最多等待5秒
func (s *Service) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(stopTimeout):
		logger.Warn("DLM循环未在超时内退出，放弃等待")
	}
	s.started = false
	logger.Info("🔴 DLM服务已停止")
}

// Trigger 请求立即执行一轮策略，已有待处理触发时合并
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Events 返回审计环中事件的副本，最新的在末尾
func (s *Service) Events() []AuditEvent {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// LastPublishedLimits 返回每节点最近一次已发布限额的副本
func (s *Service) LastPublishedLimits() map[string]float64 {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	out := make(map[string]float64, len(s.tracker))
	for k, v := range s.tracker {
		out[k] = v
	}
	return out
}

// onVehicleRequest 车辆请求处理器，解析失败只告警不改状态
func (s *Service) onVehicleRequest(topic string, payload []byte) {
	var req dto.VehicleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.WithFields(map[string]interface{}{
			"topic": topic,
			"error": err,
		}).Warn("车辆请求JSON解析失败，丢弃")
		return
	}
	if err := req.Validate(); err != nil {
		logger.WithFields(map[string]interface{}{
			"topic": topic,
			"error": err,
		}).Warn("车辆请求字段非法，丢弃")
		return
	}

	logger.WithFields(map[string]interface{}{
		"vehicle_id": req.VehicleID,
		"node_id":    req.NodeID,
	}).Info("📨 收到车辆充电请求")

	if s.controller != nil {
		s.controller.HandleVehicleAssignment(&req)
	}
	// 绑定后立即执行一轮，确保新分配先于下个周期发布
	s.ApplyPolicy()
}

// ApplyPolicy 执行一轮策略: 采集快照、落地分配、按需发布事件
// 快照到发布是单个临界区，两轮交错会使同一节点的事件乱序。
func (s *Service) ApplyPolicy() []PowerAllocation {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if s.controller == nil {
		logger.Warn("DLM控制器未注入，跳过本轮策略")
		return nil
	}

	snapshot := s.controller.NodesSnapshot()
	allocations := s.policy(snapshot, s.capacityKW)

	var totalGridLoad float64
	for _, n := range snapshot {
		totalGridLoad += n.CurrentPowerKW
	}

	for _, alloc := range allocations {
		s.controller.ApplyAllocation(alloc)
		s.publishIfChanged(alloc, totalGridLoad)
	}
	return allocations
}

// publishIfChanged 限额变化超过阈值或首次分配时发布DLM事件
func (s *Service) publishIfChanged(alloc PowerAllocation, totalGridLoad float64) {
	s.trackerMu.Lock()
	oldLimit, tracked := s.tracker[alloc.NodeID]
	newLimit := alloc.AllocatedPowerKW

	delta := newLimit - oldLimit
	if delta < 0 {
		delta = -delta
	}
	if tracked && delta <= notifyEpsilonKW {
		s.trackerMu.Unlock()
		return
	}

	originalLimit := newLimit
	if tracked {
		originalLimit = oldLimit
	}
	s.tracker[alloc.NodeID] = newLimit
	s.trackerMu.Unlock()

	notification := dto.NewDLMNotification(alloc.Reason, originalLimit, newLimit, alloc.NodeID, totalGridLoad)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.broker.PublishJSON(ctx, mqtt.TopicDLMEvents(s.hubID), &notification, 1, false); err != nil {
		logger.WithFields(map[string]interface{}{
			"node_id": alloc.NodeID,
			"error":   err,
		}).Error("DLM事件发布失败")
		// 发布失败不回滚追踪值，限额本身已经生效
	}

	s.recordEvent(notification)
	logger.WithFields(map[string]interface{}{
		"node_id":   alloc.NodeID,
		"old_limit": originalLimit,
		"new_limit": newLimit,
		"reason":    alloc.Reason,
	}).Info("📢 DLM事件")
}

// recordEvent 追加到审计环，超限后淘汰最旧事件
func (s *Service) recordEvent(n dto.DLMNotification) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, AuditEvent{
		EventID:      uuid.NewString(),
		Notification: n,
	})
	if len(s.events) > maxAuditEvents {
		s.events = s.events[len(s.events)-maxAuditEvents:]
	}
}

// loop 周期循环，每轮都有兜底恢复，循环不允许静默死亡
func (s *Service) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeApply()
		case <-s.trigger:
			s.safeApply()
		}
	}
}

// safeApply 单轮执行的兜底包装
func (s *Service) safeApply() {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("DLM策略执行panic，已恢复")
		}
	}()
	s.ApplyPolicy()
}
