package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// 策略名称常量
const (
	PolicyEqualSharing = "equal_sharing"
	PolicyPriority     = "priority"
)

// Config 是应用程序配置的结构体
type Config struct {
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	Hub           HubConfig           `mapstructure:"hub"`
	DLM           DLMConfig           `mapstructure:"dlm"`
	Nodes         []NodeConfig        `mapstructure:"nodes"`
	HTTPAPIServer HTTPAPIServerConfig `mapstructure:"httpApiServer"`
	Logger        LoggerConfig        `mapstructure:"logger"`
}

// MQTTConfig MQTT连接配置
type MQTTConfig struct {
	BrokerHost            string `mapstructure:"brokerHost" yaml:"brokerHost"`
	BrokerPort            int    `mapstructure:"brokerPort" yaml:"brokerPort"`
	ClientID              string `mapstructure:"clientId" yaml:"clientId"`
	KeepAliveSeconds      int    `mapstructure:"keepAliveSeconds" yaml:"keepAliveSeconds"`
	ConnectTimeoutSeconds int    `mapstructure:"connectTimeoutSeconds" yaml:"connectTimeoutSeconds"`
}

// HubConfig 枢纽自身的配置
type HubConfig struct {
	HubID             string         `mapstructure:"hubId" yaml:"hubId"`
	Location          LocationConfig `mapstructure:"location" yaml:"location"`
	MaxGridCapacityKW float64        `mapstructure:"maxGridCapacityKw" yaml:"maxGridCapacityKw"`
	IPAddress         string         `mapstructure:"ipAddress" yaml:"ipAddress"`
	FirmwareVersion   string         `mapstructure:"firmwareVersion" yaml:"firmwareVersion"`
}

// LocationConfig 地理位置配置
type LocationConfig struct {
	Latitude  float64 `mapstructure:"latitude" yaml:"latitude"`
	Longitude float64 `mapstructure:"longitude" yaml:"longitude"`
	Altitude  float64 `mapstructure:"altitude" yaml:"altitude"`
}

// DLMConfig 动态负载管理配置
type DLMConfig struct {
	IntervalSeconds float64 `mapstructure:"intervalSeconds" yaml:"intervalSeconds"`
	Policy          string  `mapstructure:"policy" yaml:"policy"`
}

// NodeConfig 充电节点配置
type NodeConfig struct {
	NodeID                   string  `mapstructure:"nodeId" yaml:"nodeId"`
	Name                     string  `mapstructure:"name" yaml:"name"`
	MaxPowerKW               float64 `mapstructure:"maxPowerKw" yaml:"maxPowerKw"`
	Simulation               bool    `mapstructure:"simulation" yaml:"simulation"`
	SerialPort               string  `mapstructure:"serialPort" yaml:"serialPort"`
	TelemetryIntervalSeconds float64 `mapstructure:"telemetryIntervalSeconds" yaml:"telemetryIntervalSeconds"`
}

// HTTPAPIServerConfig HTTP API服务器配置
type HTTPAPIServerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	FilePath      string `mapstructure:"filePath"`
	MaxSizeMB     int    `mapstructure:"maxSizeMB"`
	MaxBackups    int    `mapstructure:"maxBackups"`
	MaxAgeDays    int    `mapstructure:"maxAgeDays"`
	Compress      bool   `mapstructure:"compress"`
	EnableConsole bool   `mapstructure:"enableConsole"`
}

// 全局配置实例
var GlobalConfig Config

// Load 加载配置文件
func Load(configPath string) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(&GlobalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// setDefaults 设置各配置项的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.brokerHost", "localhost")
	v.SetDefault("mqtt.brokerPort", 1883)
	// 未配置clientId时生成随机标识，避免多枢纽互踢连接
	v.SetDefault("mqtt.clientId", fmt.Sprintf("evhub-%s", uuid.NewString()[:8]))
	v.SetDefault("mqtt.keepAliveSeconds", 60)
	v.SetDefault("mqtt.connectTimeoutSeconds", 10)
	v.SetDefault("hub.maxGridCapacityKw", 100.0)
	v.SetDefault("hub.ipAddress", "0.0.0.0")
	v.SetDefault("hub.firmwareVersion", "1.0.0")
	v.SetDefault("dlm.intervalSeconds", 5.0)
	v.SetDefault("dlm.policy", PolicyEqualSharing)
	v.SetDefault("httpApiServer.enabled", true)
	v.SetDefault("httpApiServer.host", "0.0.0.0")
	v.SetDefault("httpApiServer.port", 7055)
	v.SetDefault("httpApiServer.timeoutSeconds", 30)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.enableConsole", true)
}

// Validate 校验配置的合法性，不合法的配置属于致命错误
func (c *Config) Validate() error {
	if c.Hub.HubID == "" {
		return fmt.Errorf("hub.hubId is required")
	}
	if len(c.Hub.HubID) > 50 {
		return fmt.Errorf("hub.hubId exceeds 50 characters")
	}
	if c.Hub.MaxGridCapacityKW <= 0 || c.Hub.MaxGridCapacityKW > 1000 {
		return fmt.Errorf("hub.maxGridCapacityKw must be in (0, 1000], got %.2f", c.Hub.MaxGridCapacityKW)
	}
	if lat := c.Hub.Location.Latitude; lat < -90 || lat > 90 {
		return fmt.Errorf("hub.location.latitude out of range: %.4f", lat)
	}
	if lon := c.Hub.Location.Longitude; lon < -180 || lon > 180 {
		return fmt.Errorf("hub.location.longitude out of range: %.4f", lon)
	}
	if alt := c.Hub.Location.Altitude; alt < -500 || alt > 10000 {
		return fmt.Errorf("hub.location.altitude out of range: %.1f", alt)
	}
	if net.ParseIP(c.Hub.IPAddress) == nil {
		return fmt.Errorf("hub.ipAddress is not a valid IP address: %q", c.Hub.IPAddress)
	}
	if len(c.Hub.FirmwareVersion) > 20 {
		return fmt.Errorf("hub.firmwareVersion exceeds 20 characters")
	}

	if c.DLM.IntervalSeconds <= 0 {
		return fmt.Errorf("dlm.intervalSeconds must be positive, got %.2f", c.DLM.IntervalSeconds)
	}
	switch c.DLM.Policy {
	case PolicyEqualSharing, PolicyPriority:
	default:
		return fmt.Errorf("dlm.policy must be %q or %q, got %q", PolicyEqualSharing, PolicyPriority, c.DLM.Policy)
	}

	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node must be configured")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("nodes[%d].nodeId is required", i)
		}
		if seen[n.NodeID] {
			return fmt.Errorf("duplicate node id %q", n.NodeID)
		}
		seen[n.NodeID] = true
		if n.MaxPowerKW <= 0 || n.MaxPowerKW > 350 {
			return fmt.Errorf("nodes[%d].maxPowerKw must be in (0, 350], got %.2f", i, n.MaxPowerKW)
		}
		if !n.Simulation && n.SerialPort == "" {
			return fmt.Errorf("nodes[%d]: serialPort is required when simulation is disabled", i)
		}
	}

	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("mqtt.brokerHost is required")
	}
	if p := c.MQTT.BrokerPort; p <= 0 || p > 65535 {
		return fmt.Errorf("mqtt.brokerPort out of range: %d", p)
	}

	return nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return &GlobalConfig
}

// FormatHTTPAddress 格式化HTTP服务器地址为host:port格式
func FormatHTTPAddress() string {
	cfg := GetConfig().HTTPAPIServer
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// FormatBrokerURL 格式化MQTT broker地址
func (m *MQTTConfig) FormatBrokerURL() string {
	return fmt.Sprintf("mqtt://%s:%d", m.BrokerHost, m.BrokerPort)
}
