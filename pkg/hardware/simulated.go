package hardware

import (
	"math/rand"
	"sync"

	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
)

// SimulatedPowerSensor 仿真功率计，产生范围内的随机电压电流
type SimulatedPowerSensor struct {
	mu   sync.Mutex
	last PowerSample
}

// NewSimulatedPowerSensor 创建仿真功率计
func NewSimulatedPowerSensor() *SimulatedPowerSensor {
	return &SimulatedPowerSensor{}
}

// Measure 产生一次随机采样: 电压0~26V, 电流0~3.2A
func (s *SimulatedPowerSensor) Measure() (PowerSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = NewPowerSample(rand.Float64()*26.0, rand.Float64()*3.2)
	return s.last, nil
}

// SimulatedProximitySensor 仿真接近传感器
// 占位状态可由外部强制设定，用于模拟车辆到位和驶离。
type SimulatedProximitySensor struct {
	mu     sync.Mutex
	forced *float64
}

// NewSimulatedProximitySensor 创建仿真接近传感器
func NewSimulatedProximitySensor() *SimulatedProximitySensor {
	return &SimulatedProximitySensor{}
}

// Measure 产生一次采样: 强制值优先，否则随机2~50cm
func (s *SimulatedProximitySensor) Measure() (ProximitySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != nil {
		return NewProximitySample(*s.forced), nil
	}
	return NewProximitySample(2.0 + rand.Float64()*48.0), nil
}

// ForceDistance 强制后续采样返回固定距离
func (s *SimulatedProximitySensor) ForceDistance(distanceCM float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = &distanceCM
}

// ClearForced 清除强制值，恢复随机采样
func (s *SimulatedProximitySensor) ClearForced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = nil
}

// SimulatedActuator 仿真执行器，仅记录最近命令
type SimulatedActuator struct {
	mu    sync.Mutex
	state ActuatorCommand
}

// NewSimulatedActuator 创建仿真执行器，初始状态OFF
func NewSimulatedActuator() *SimulatedActuator {
	return &SimulatedActuator{
		state: ActuatorCommand{Status: StatusOff, PWMLevel: 0},
	}
}

// Apply 校验并记录命令
func (a *SimulatedActuator) Apply(cmd ActuatorCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.state = cmd
	a.mu.Unlock()
	logger.WithFields(map[string]interface{}{
		"status": cmd.Status,
		"pwm":    cmd.PWMLevel,
	}).Debug("仿真执行器已应用命令")
	return nil
}

// State 返回最近一次命令
func (a *SimulatedActuator) State() ActuatorCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
