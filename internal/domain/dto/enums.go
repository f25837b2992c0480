package dto

// ConnectionState 枢纽连接状态
type ConnectionState string

const (
	ConnectionOnline      ConnectionState = "online"
	ConnectionOffline     ConnectionState = "offline"
	ConnectionMaintenance ConnectionState = "maintenance"
)

// IsValid 检查连接状态是否合法
func (s ConnectionState) IsValid() bool {
	switch s {
	case ConnectionOnline, ConnectionOffline, ConnectionMaintenance:
		return true
	}
	return false
}

// ChargingState 充电节点状态
type ChargingState string

const (
	StateIdle     ChargingState = "idle"
	StateCharging ChargingState = "charging"
	StateFull     ChargingState = "full"
	StateFaulted  ChargingState = "faulted"
)

// IsValid 检查充电状态是否合法
func (s ChargingState) IsValid() bool {
	switch s {
	case StateIdle, StateCharging, StateFull, StateFaulted:
		return true
	}
	return false
}

// GeoLocation 地理位置
type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Validate 校验地理位置范围
func (g *GeoLocation) Validate() error {
	if g.Latitude < -90 || g.Latitude > 90 {
		return newRangeError("latitude", g.Latitude, -90, 90)
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return newRangeError("longitude", g.Longitude, -180, 180)
	}
	if g.Altitude < -500 || g.Altitude > 10000 {
		return newRangeError("altitude", g.Altitude, -500, 10000)
	}
	return nil
}
