package hardware

import (
	"time"

	"github.com/bujia-iot/iot-evhub/pkg/errors"
)

// ActuatorStatus 执行器开关状态
const (
	StatusOn  = "ON"
	StatusOff = "OFF"
)

// PWM级别范围
const (
	PWMMin = 0
	PWMMax = 255
)

// PowerSample 功率计一次采样结果
type PowerSample struct {
	Voltage   float64   // 电压 V, 范围[0, 26]
	Current   float64   // 电流 A, 范围[0, 3.2]
	PowerW    float64   // 功率 W, 等于V·I
	Timestamp time.Time
}

// NewPowerSample 根据电压电流构造采样，功率由V·I推导
func NewPowerSample(voltage, current float64) PowerSample {
	return PowerSample{
		Voltage:   voltage,
		Current:   current,
		PowerW:    voltage * current,
		Timestamp: time.Now().UTC(),
	}
}

// ProximitySample 接近传感器一次采样结果
type ProximitySample struct {
	DistanceCM float64 // 距离 cm, 范围[2, 400]
	Timestamp  time.Time
}

// NewProximitySample 构造接近采样
func NewProximitySample(distanceCM float64) ProximitySample {
	return ProximitySample{
		DistanceCM: distanceCM,
		Timestamp:  time.Now().UTC(),
	}
}

// ActuatorCommand 执行器命令
type ActuatorCommand struct {
	Status   string // ON或OFF
	PWMLevel int    // [0, 255]
}

// Validate 校验执行器命令合法性
func (c ActuatorCommand) Validate() error {
	if c.Status != StatusOn && c.Status != StatusOff {
		return errors.Newf(errors.ErrActuatorCommandInvalid, "invalid actuator status: %q", c.Status)
	}
	if c.PWMLevel < PWMMin || c.PWMLevel > PWMMax {
		return errors.Newf(errors.ErrActuatorCommandInvalid, "pwm level out of range [%d, %d]: %d", PWMMin, PWMMax, c.PWMLevel)
	}
	return nil
}

// PowerSensor 功率计抽象，Measure刷新内部缓存并返回最新采样
type PowerSensor interface {
	Measure() (PowerSample, error)
}

// ProximitySensor 接近传感器抽象
type ProximitySensor interface {
	Measure() (ProximitySample, error)
}

// Actuator 充电执行器抽象
type Actuator interface {
	// Apply 下发命令到执行器
	Apply(cmd ActuatorCommand) error
	// State 返回最近一次成功下发的命令
	State() ActuatorCommand
}
