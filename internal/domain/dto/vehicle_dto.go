package dto

import "time"

// VehicleTelemetry 车辆遥测消息
// Topic: iot/vehicles/<vehicle_id>/telemetry (QoS 0, 枢纽按需订阅)
// 节点绑定车辆后订阅，充电结束或节点转full时退订。
type VehicleTelemetry struct {
	GeoLocation  GeoLocation `json:"geo_location"`
	BatteryLevel int         `json:"battery_level"`
	SpeedKMH     *float64    `json:"speed_kmh,omitempty"`
	EngineTempC  *float64    `json:"engine_temp_c,omitempty"`
	IsCharging   bool        `json:"is_charging"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Validate 校验VehicleTelemetry字段范围
func (v *VehicleTelemetry) Validate() error {
	if err := v.GeoLocation.Validate(); err != nil {
		return err
	}
	if v.BatteryLevel < 0 || v.BatteryLevel > 100 {
		return newRangeError("battery_level", float64(v.BatteryLevel), 0, 100)
	}
	if v.SpeedKMH != nil {
		if s := *v.SpeedKMH; s < 0 || s > 300 {
			return newRangeError("speed_kmh", s, 0, 300)
		}
	}
	if v.EngineTempC != nil {
		if t := *v.EngineTempC; t < -40 || t > 150 {
			return newRangeError("engine_temp_c", t, -40, 150)
		}
	}
	return nil
}
