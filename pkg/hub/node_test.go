package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/pkg/errors"
	"github.com/bujia-iot/iot-evhub/pkg/hardware"
)

// recordingListener 记录通知序列的监听器替身
type recordingListener struct {
	mu       sync.Mutex
	events   []MessageType
	statuses []dto.NodeStatus
}

func (r *recordingListener) OnNotify(_ *Node, messageType MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, messageType)
}

func (r *recordingListener) OnStatusChange(_ *Node, status dto.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, MessageStatus)
	r.statuses = append(r.statuses, status)
}

func (r *recordingListener) count(messageType MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == messageType {
			n++
		}
	}
	return n
}

func (r *recordingListener) statusStates() []dto.ChargingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dto.ChargingState, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.State
	}
	return out
}

// gatedListener 首次status发布阻塞直到放行，用于构造并发迁移窗口
type gatedListener struct {
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	statuses []dto.NodeStatus
}

func newGatedListener() *gatedListener {
	return &gatedListener{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (g *gatedListener) OnNotify(*Node, MessageType) {}

func (g *gatedListener) OnStatusChange(_ *Node, status dto.NodeStatus) {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	g.mu.Lock()
	g.statuses = append(g.statuses, status)
	g.mu.Unlock()
}

func (g *gatedListener) states() []dto.ChargingState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]dto.ChargingState, len(g.statuses))
	for i, s := range g.statuses {
		out[i] = s.State
	}
	return out
}

func newTestNode(t *testing.T) (*Node, *recordingListener, *hardware.SimulatedActuator) {
	t.Helper()
	actuator := hardware.NewSimulatedActuator()
	node := NewNode("node-001", "hub-001", 22.0,
		hardware.NewSimulatedPowerSensor(),
		hardware.NewSimulatedProximitySensor(),
		actuator)
	listener := &recordingListener{}
	node.SetListener(listener)
	return node, listener, actuator
}

func intPtr(v int) *int { return &v }

func TestNodeStateMachine(t *testing.T) {
	t.Run("初始状态为idle", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		assert.Equal(t, dto.StateIdle, node.GetStatus().State)
	})

	t.Run("未绑定车辆禁止进入charging", func(t *testing.T) {
		node, listener, _ := newTestNode(t)
		err := node.SetState(dto.StateCharging, 0)
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrVehicleNotPresent))
		assert.Zero(t, listener.count(MessageStatus))
	})

	t.Run("非法迁移被拒绝", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		err := node.SetState(dto.StateFull, 0)
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrInvalidStateTransition))
	})

	t.Run("绑定车辆后进入charging接通执行器", func(t *testing.T) {
		node, listener, actuator := newTestNode(t)
		node.BindVehicle("v1", intPtr(30))
		require.NoError(t, node.SetState(dto.StateCharging, 0))

		assert.Equal(t, dto.StateCharging, node.GetStatus().State)
		assert.Equal(t, hardware.StatusOn, actuator.State().Status)
		assert.Equal(t, hardware.PWMMax, actuator.State().PWMLevel)
		assert.Equal(t, 1, listener.count(MessageStatus))
	})

	t.Run("charging转full断开执行器并清除车辆字段", func(t *testing.T) {
		node, _, actuator := newTestNode(t)
		node.BindVehicle("v1", intPtr(30))
		require.NoError(t, node.SetState(dto.StateCharging, 0))
		require.NoError(t, node.SetState(dto.StateFull, 0))

		assert.Equal(t, hardware.StatusOff, actuator.State().Status)
		assert.Empty(t, node.ConnectedVehicleID())
	})

	t.Run("状态元组不变时不重复发布", func(t *testing.T) {
		node, listener, _ := newTestNode(t)
		node.BindVehicle("v1", nil)
		require.NoError(t, node.SetState(dto.StateCharging, 0))
		require.NoError(t, node.SetState(dto.StateCharging, 0))
		assert.Equal(t, 1, listener.count(MessageStatus))
	})

	t.Run("同态但error_code变化时发布", func(t *testing.T) {
		node, listener, _ := newTestNode(t)
		require.NoError(t, node.SetState(dto.StateFaulted, 42))
		require.NoError(t, node.SetState(dto.StateFaulted, 43))
		assert.Equal(t, 2, listener.count(MessageStatus))
	})

	t.Run("status载荷携带迁移时刻的状态", func(t *testing.T) {
		node, listener, _ := newTestNode(t)
		node.BindVehicle("v1", nil)
		require.NoError(t, node.SetState(dto.StateCharging, 0))
		require.NoError(t, node.SetState(dto.StateFull, 0))

		assert.Equal(t, []dto.ChargingState{dto.StateCharging, dto.StateFull}, listener.statusStates())
	})

	t.Run("并发迁移时status不丢失不乱序", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		listener := newGatedListener()
		node.SetListener(listener)
		node.BindVehicle("v1", nil)

		// 第一次迁移卡在发布窗口内
		first := make(chan error, 1)
		go func() { first <- node.SetState(dto.StateCharging, 0) }()
		<-listener.entered

		// 第二次迁移此时提交，必须等第一条status发布完成
		second := make(chan error, 1)
		go func() { second <- node.SetState(dto.StateFull, 0) }()

		close(listener.gate)
		require.NoError(t, <-first)
		require.NoError(t, <-second)

		states := listener.states()
		require.Len(t, states, 2)
		assert.Equal(t, dto.StateCharging, states[0])
		assert.Equal(t, dto.StateFull, states[1])
	})

	t.Run("faulted可恢复到idle", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		require.NoError(t, node.SetState(dto.StateFaulted, 42))
		require.NoError(t, node.SetState(dto.StateIdle, 0))
		status := node.GetStatus()
		assert.Equal(t, dto.StateIdle, status.State)
		assert.Zero(t, status.ErrorCode)
	})
}

func TestSetPowerLimit(t *testing.T) {
	t.Run("限额始终在0与最大功率之间", func(t *testing.T) {
		node, _, _ := newTestNode(t)

		node.SetPowerLimit(-5)
		assert.Zero(t, node.GetTelemetry().PowerLimitKW)

		node.SetPowerLimit(100)
		assert.InDelta(t, 22.0, node.GetTelemetry().PowerLimitKW, 0.001)
	})

	t.Run("充电中按限额比例重设PWM", func(t *testing.T) {
		node, _, actuator := newTestNode(t)
		node.BindVehicle("v1", nil)
		require.NoError(t, node.SetState(dto.StateCharging, 0))

		node.SetPowerLimit(11)
		assert.Equal(t, hardware.StatusOn, actuator.State().Status)
		assert.Equal(t, 128, actuator.State().PWMLevel)

		node.SetPowerLimit(0)
		assert.Zero(t, actuator.State().PWMLevel)
	})

	t.Run("非充电状态不触碰执行器", func(t *testing.T) {
		node, _, actuator := newTestNode(t)
		node.SetPowerLimit(11)
		assert.Equal(t, hardware.StatusOff, actuator.State().Status)
	})

	t.Run("限额变化不发布status", func(t *testing.T) {
		node, listener, _ := newTestNode(t)
		node.BindVehicle("v1", nil)
		require.NoError(t, node.SetState(dto.StateCharging, 0))
		before := listener.count(MessageStatus)

		node.SetPowerLimit(11)
		assert.Equal(t, before, listener.count(MessageStatus))
	})
}

func TestNodeTelemetry(t *testing.T) {
	t.Run("上报功率不超过当前限额", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		node.BindVehicle("v1", nil)
		require.NoError(t, node.SetState(dto.StateCharging, 0))
		node.SetPowerLimit(1.5)

		for i := 0; i < 10; i++ {
			node.MeasureSensors()
			telemetry := node.GetTelemetry()
			assert.LessOrEqual(t, telemetry.PowerKW, telemetry.PowerLimitKW)
			require.NoError(t, telemetry.Validate())
		}
	})

	t.Run("非充电状态功率为0", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		node.MeasureSensors()
		assert.Zero(t, node.GetTelemetry().PowerKW)
	})

	t.Run("遥测携带绑定车辆信息", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		node.BindVehicle("v1", intPtr(30))
		require.NoError(t, node.SetState(dto.StateCharging, 0))

		telemetry := node.GetTelemetry()
		assert.Equal(t, "v1", telemetry.ConnectedVehicleID)
		require.NotNil(t, telemetry.CurrentVehicleSoC)
		assert.Equal(t, 30, *telemetry.CurrentVehicleSoC)
	})
}

func TestHandleVehicleTelemetry(t *testing.T) {
	vehicleTelemetry := func(soc int, isCharging bool) []byte {
		payload, _ := json.Marshal(&dto.VehicleTelemetry{
			GeoLocation:  dto.GeoLocation{Latitude: 44.6, Longitude: 10.9, Altitude: 30},
			BatteryLevel: soc,
			IsCharging:   isCharging,
			Timestamp:    time.Now().UTC(),
		})
		return payload
	}

	t.Run("充电中刷新SoC", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		node.BindVehicle("v1", intPtr(30))
		node.SetOccupied(true)
		require.NoError(t, node.SetState(dto.StateCharging, 0))

		node.HandleVehicleTelemetry("iot/vehicles/v1/telemetry", vehicleTelemetry(55, true))

		telemetry := node.GetTelemetry()
		require.NotNil(t, telemetry.CurrentVehicleSoC)
		assert.Equal(t, 55, *telemetry.CurrentVehicleSoC)
		assert.Equal(t, dto.StateCharging, node.GetStatus().State)
	})

	t.Run("车辆停止充电时节点转full并清除占位", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		node.BindVehicle("v1", intPtr(30))
		node.SetOccupied(true)
		require.NoError(t, node.SetState(dto.StateCharging, 0))

		node.HandleVehicleTelemetry("iot/vehicles/v1/telemetry", vehicleTelemetry(100, false))

		assert.Equal(t, dto.StateFull, node.GetStatus().State)
		assert.False(t, node.IsOccupied())

		// 下个遥测周期完成full→idle
		node.telemetryTick()
		assert.Equal(t, dto.StateIdle, node.GetStatus().State)
	})

	t.Run("非法遥测丢弃不影响状态", func(t *testing.T) {
		node, _, _ := newTestNode(t)
		node.BindVehicle("v1", intPtr(30))
		node.SetOccupied(true)
		require.NoError(t, node.SetState(dto.StateCharging, 0))

		node.HandleVehicleTelemetry("iot/vehicles/v1/telemetry", []byte("{broken"))
		node.HandleVehicleTelemetry("iot/vehicles/v1/telemetry", []byte(`{"battery_level":180,"is_charging":false}`))

		assert.Equal(t, dto.StateCharging, node.GetStatus().State)
	})
}

func TestNodeLifecycle(t *testing.T) {
	t.Run("遥测循环周期发布并可停止", func(t *testing.T) {
		actuator := hardware.NewSimulatedActuator()
		node := NewNode("node-001", "hub-001", 22.0,
			hardware.NewSimulatedPowerSensor(),
			hardware.NewSimulatedProximitySensor(),
			actuator,
			WithTelemetryInterval(10*time.Millisecond))
		listener := &recordingListener{}
		node.SetListener(listener)

		node.Start()
		time.Sleep(100 * time.Millisecond)
		node.Stop()

		assert.Greater(t, listener.count(MessageTelemetry), 2)

		published := listener.count(MessageTelemetry)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, published, listener.count(MessageTelemetry))
	})
}
