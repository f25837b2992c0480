package hardware

import (
	"sync"

	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
)

// BridgePowerSensor 串口桥后端的功率计
// 单次I/O失败时记录日志并沿用上次缓存采样，不使节点下线。
type BridgePowerSensor struct {
	bridge *SerialBridge

	mu   sync.Mutex
	last PowerSample
}

// NewBridgePowerSensor 创建串口功率计
func NewBridgePowerSensor(bridge *SerialBridge) *BridgePowerSensor {
	return &BridgePowerSensor{bridge: bridge}
}

// Measure 经串口读取一次功率数据，失败时返回缓存值
func (s *BridgePowerSensor) Measure() (PowerSample, error) {
	voltage, current, _, err := s.bridge.GetPowerData()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		logger.WithField("error", err).Error("功率计读取失败，沿用缓存值")
		return s.last, err
	}
	s.last = NewPowerSample(voltage, current)
	return s.last, nil
}

// BridgeProximitySensor 串口桥后端的接近传感器
type BridgeProximitySensor struct {
	bridge *SerialBridge

	mu   sync.Mutex
	last ProximitySample
}

// NewBridgeProximitySensor 创建串口接近传感器
func NewBridgeProximitySensor(bridge *SerialBridge) *BridgeProximitySensor {
	return &BridgeProximitySensor{bridge: bridge}
}

// Measure 经串口读取一次距离，失败时返回缓存值
func (s *BridgeProximitySensor) Measure() (ProximitySample, error) {
	distance, err := s.bridge.GetDistance()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		logger.WithField("error", err).Error("接近传感器读取失败，沿用缓存值")
		return s.last, err
	}
	s.last = NewProximitySample(distance)
	return s.last, nil
}

// BridgeActuator 串口桥后端的充电执行器
// 下发失败只记录日志，功率限额字段仍然生效，下个DLM周期会重试。
type BridgeActuator struct {
	bridge *SerialBridge

	mu    sync.Mutex
	state ActuatorCommand
}

// NewBridgeActuator 创建串口执行器，初始状态OFF
func NewBridgeActuator(bridge *SerialBridge) *BridgeActuator {
	return &BridgeActuator{
		bridge: bridge,
		state:  ActuatorCommand{Status: StatusOff, PWMLevel: 0},
	}
}

// Apply 经串口下发执行器命令
func (a *BridgeActuator) Apply(cmd ActuatorCommand) error {
	if err := a.bridge.SetActuator(cmd); err != nil {
		logger.WithFields(map[string]interface{}{
			"status": cmd.Status,
			"pwm":    cmd.PWMLevel,
			"error":  err,
		}).Error("执行器命令下发失败")
		return err
	}
	a.mu.Lock()
	a.state = cmd
	a.mu.Unlock()
	return nil
}

// State 返回最近一次成功下发的命令
func (a *BridgeActuator) State() ActuatorCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
