package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bujia-iot/iot-evhub/internal/apis"
	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/config"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/mqtt"
	"github.com/bujia-iot/iot-evhub/pkg/dlm"
	"github.com/bujia-iot/iot-evhub/pkg/hardware"
	"github.com/bujia-iot/iot-evhub/pkg/hub"
)

// 退出码: 0正常关闭, 1启动时Broker连接失败, 2配置错误
const (
	exitOK            = 0
	exitBrokerFailure = 1
	exitConfigError   = 2
)

func main() {
	configPath := flag.String("config", "configs/hub.yaml", "配置文件路径")
	flag.Parse()

	if err := config.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(exitConfigError)
	}
	cfg := config.GetConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置校验失败: %v\n", err)
		os.Exit(exitConfigError)
	}
	if err := logger.Init(&cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(exitConfigError)
	}

	logger.WithFields(map[string]interface{}{
		"hub_id": cfg.Hub.HubID,
		"broker": cfg.MQTT.FormatBrokerURL(),
		"policy": cfg.DLM.Policy,
	}).Info("🚀 启动边缘枢纽控制器")

	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MQTT客户端与遗嘱: 异常断开时由Broker代发offline状态
	client := mqtt.NewClient(&cfg.MQTT)
	will := dto.NewHubStatus(dto.ConnectionOffline, 0)
	willPayload, err := json.Marshal(&will)
	if err != nil {
		logger.Errorf("序列化遗嘱消息失败: %v", err)
		return exitConfigError
	}
	client.SetWill(mqtt.TopicHubStatus(cfg.Hub.HubID), willPayload, 1, false)

	// 策略与DLM服务
	policy, err := dlm.ForName(cfg.DLM.Policy)
	if err != nil {
		logger.Errorf("加载DLM策略失败: %v", err)
		return exitConfigError
	}
	interval := time.Duration(cfg.DLM.IntervalSeconds * float64(time.Second))
	dlmService := dlm.NewService(cfg.Hub.HubID, cfg.Hub.MaxGridCapacityKW, policy, cfg.DLM.Policy, interval, client)

	// 枢纽与节点装配
	location := dto.GeoLocation{
		Latitude:  cfg.Hub.Location.Latitude,
		Longitude: cfg.Hub.Location.Longitude,
		Altitude:  cfg.Hub.Location.Altitude,
	}
	h := hub.New(cfg.Hub.HubID, location, cfg.Hub.MaxGridCapacityKW,
		cfg.Hub.IPAddress, cfg.Hub.FirmwareVersion, client, dlmService)

	bridges, err := buildNodes(h, cfg)
	if err != nil {
		logger.Errorf("装配节点失败: %v", err)
		return exitConfigError
	}
	defer closeBridges(bridges)

	// 重连后恢复保留的设备目录
	client.OnConnect(h.RepublishRetained)

	// 启动时Broker不可达属于致命错误
	if err := client.Connect(ctx); err != nil {
		logger.Errorf("连接MQTT Broker失败: %v", err)
		return exitBrokerFailure
	}

	if err := h.Start(ctx); err != nil {
		logger.Errorf("启动枢纽失败: %v", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = client.Disconnect(stopCtx)
		stopCancel()
		return exitBrokerFailure
	}

	var apiServer *apis.Server
	if cfg.HTTPAPIServer.Enabled {
		apiServer = apis.NewServer(&cfg.HTTPAPIServer, h, dlmService)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Errorf("HTTP快照API异常退出: %v", err)
			}
		}()
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("收到退出信号，开始优雅关闭")

	// 关闭顺序: DLM与遥测循环 → OFFLINE最终状态 → Broker断开 → 串口关闭
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	h.Stop(stopCtx)
	if apiServer != nil {
		if err := apiServer.Stop(stopCtx); err != nil {
			logger.Warnf("HTTP快照API停止失败: %v", err)
		}
	}
	if err := client.Disconnect(stopCtx); err != nil {
		logger.Warnf("断开Broker失败: %v", err)
	}

	logger.Info("✅ 边缘枢纽控制器已退出")
	return exitOK
}

// buildNodes 按配置装配节点
// 串口桥初始化失败时回退到仿真模式，节点照常上线。
func buildNodes(h *hub.Hub, cfg *config.Config) ([]*hardware.SerialBridge, error) {
	var bridges []*hardware.SerialBridge

	for _, nodeCfg := range cfg.Nodes {
		simulation := nodeCfg.Simulation

		var powerSensor hardware.PowerSensor
		var proximitySensor hardware.ProximitySensor
		var actuator hardware.Actuator

		if !simulation {
			bridge := hardware.NewSerialBridge(nodeCfg.SerialPort)
			if err := bridge.Open(); err != nil {
				logger.WithFields(map[string]interface{}{
					"node_id": nodeCfg.NodeID,
					"port":    nodeCfg.SerialPort,
					"error":   err,
				}).Error("串口桥初始化失败，回退仿真模式")
				simulation = true
			} else {
				bridges = append(bridges, bridge)
				powerSensor = hardware.NewBridgePowerSensor(bridge)
				proximitySensor = hardware.NewBridgeProximitySensor(bridge)
				actuator = hardware.NewBridgeActuator(bridge)
			}
		}
		if simulation {
			powerSensor = hardware.NewSimulatedPowerSensor()
			proximitySensor = hardware.NewSimulatedProximitySensor()
			actuator = hardware.NewSimulatedActuator()
		}

		opts := []hub.NodeOption{
			hub.WithSimulation(simulation),
		}
		if nodeCfg.Name != "" {
			opts = append(opts, hub.WithName(nodeCfg.Name))
		}
		if nodeCfg.TelemetryIntervalSeconds > 0 {
			opts = append(opts, hub.WithTelemetryInterval(
				time.Duration(nodeCfg.TelemetryIntervalSeconds*float64(time.Second))))
		}

		node := hub.NewNode(nodeCfg.NodeID, cfg.Hub.HubID, nodeCfg.MaxPowerKW,
			powerSensor, proximitySensor, actuator, opts...)
		if err := h.AddNode(node); err != nil {
			return bridges, err
		}
	}
	return bridges, nil
}

// closeBridges 关闭全部串口桥
func closeBridges(bridges []*hardware.SerialBridge) {
	for _, b := range bridges {
		if err := b.Close(); err != nil {
			logger.Warnf("关闭串口桥失败: %v", err)
		}
	}
}
