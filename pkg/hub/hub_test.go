package hub

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/mqtt"
	"github.com/bujia-iot/iot-evhub/pkg/dlm"
	"github.com/bujia-iot/iot-evhub/pkg/errors"
	"github.com/bujia-iot/iot-evhub/pkg/hardware"
)

// fakeBroker 记录发布与订阅的Broker替身
type fakeBroker struct {
	mu          sync.Mutex
	published   []brokerMessage
	subscribed  map[string]mqtt.MessageHandler
	unsubscribe []string
}

type brokerMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subscribed: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeBroker) PublishJSON(_ context.Context, topic string, v interface{}, qos byte, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, brokerMessage{topic: topic, payload: payload, qos: qos, retain: retain})
	return nil
}

func (f *fakeBroker) Subscribe(_ context.Context, filter string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[filter] = handler
	return nil
}

func (f *fakeBroker) Unsubscribe(_ context.Context, filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, filter)
	f.unsubscribe = append(f.unsubscribe, filter)
	return nil
}

func (f *fakeBroker) messages(topic string) []brokerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []brokerMessage
	for _, m := range f.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBroker) hasSubscription(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subscribed[filter]
	return ok
}

func newTestHub(t *testing.T, broker Broker, nodeIDs ...string) *Hub {
	t.Helper()
	location := dto.GeoLocation{Latitude: 44.6471, Longitude: 10.9252, Altitude: 34}
	h := New("hub-001", location, 60, "192.168.1.10", "1.0.0", broker, nil)
	for _, id := range nodeIDs {
		node := NewNode(id, "hub-001", 22.0,
			hardware.NewSimulatedPowerSensor(),
			hardware.NewSimulatedProximitySensor(),
			hardware.NewSimulatedActuator())
		require.NoError(t, h.AddNode(node))
	}
	return h
}

func TestHubStartup(t *testing.T) {
	t.Run("标识消息保留而状态消息不保留", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001", "node-002")

		require.NoError(t, h.Start(context.Background()))
		defer h.Stop(context.Background())

		infoMsgs := broker.messages(mqtt.TopicHubInfo("hub-001"))
		require.Len(t, infoMsgs, 1)
		assert.Equal(t, byte(1), infoMsgs[0].qos)
		assert.True(t, infoMsgs[0].retain)

		statusMsgs := broker.messages(mqtt.TopicHubStatus("hub-001"))
		require.NotEmpty(t, statusMsgs)
		assert.False(t, statusMsgs[0].retain)

		for _, id := range []string{"node-001", "node-002"} {
			nodeInfo := broker.messages(mqtt.TopicNodeInfo("hub-001", id))
			require.Len(t, nodeInfo, 1)
			assert.True(t, nodeInfo[0].retain)

			nodeStatus := broker.messages(mqtt.TopicNodeStatus("hub-001", id))
			require.Len(t, nodeStatus, 1)
			assert.False(t, nodeStatus[0].retain)
		}
	})

	t.Run("启动上线停止下线", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		require.NoError(t, h.Start(context.Background()))

		var status dto.HubStatus
		statusMsgs := broker.messages(mqtt.TopicHubStatus("hub-001"))
		require.NotEmpty(t, statusMsgs)
		require.NoError(t, json.Unmarshal(statusMsgs[0].payload, &status))
		assert.Equal(t, dto.ConnectionOnline, status.State)

		h.Stop(context.Background())
		statusMsgs = broker.messages(mqtt.TopicHubStatus("hub-001"))
		require.NoError(t, json.Unmarshal(statusMsgs[len(statusMsgs)-1].payload, &status))
		assert.Equal(t, dto.ConnectionOffline, status.State)
	})

	t.Run("重复标识发布产生相同载荷", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		require.NoError(t, h.PublishIdentity(context.Background()))
		require.NoError(t, h.PublishIdentity(context.Background()))

		msgs := broker.messages(mqtt.TopicHubInfo("hub-001"))
		require.Len(t, msgs, 2)
		assert.Equal(t, msgs[0].payload, msgs[1].payload)
	})

	t.Run("重连钩子重发保留标识", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		h.RepublishRetained(context.Background())
		assert.Len(t, broker.messages(mqtt.TopicHubInfo("hub-001")), 1)
		assert.Len(t, broker.messages(mqtt.TopicNodeInfo("hub-001", "node-001")), 1)
	})

	t.Run("重复节点标识注册被拒绝", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")
		dup := NewNode("node-001", "hub-001", 22.0,
			hardware.NewSimulatedPowerSensor(),
			hardware.NewSimulatedProximitySensor(),
			hardware.NewSimulatedActuator())
		assert.Error(t, h.AddNode(dup))
	})
}

func TestNodesSnapshot(t *testing.T) {
	t.Run("快照按节点标识排序", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-003", "node-001", "node-002")

		snapshot := h.NodesSnapshot()
		require.Len(t, snapshot, 3)
		assert.Equal(t, "node-001", snapshot[0].NodeID)
		assert.Equal(t, "node-002", snapshot[1].NodeID)
		assert.Equal(t, "node-003", snapshot[2].NodeID)
	})

	t.Run("快照反映绑定与状态", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		req := &dto.VehicleRequest{VehicleID: "v1", NodeID: "node-001", SoCPercent: intPtr(30)}
		h.HandleVehicleAssignment(req)

		snapshot := h.NodesSnapshot()
		require.Len(t, snapshot, 1)
		assert.Equal(t, dto.StateCharging, snapshot[0].State)
		assert.Equal(t, "v1", snapshot[0].VehicleID)
		assert.True(t, snapshot[0].IsOccupied)
	})
}

func TestHandleVehicleAssignment(t *testing.T) {
	t.Run("合法请求绑定车辆并开始充电", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		req := &dto.VehicleRequest{VehicleID: "v1", NodeID: "node-001", SoCPercent: intPtr(30)}
		h.HandleVehicleAssignment(req)

		node, ok := h.GetNode("node-001")
		require.True(t, ok)
		assert.Equal(t, dto.StateCharging, node.GetStatus().State)
		assert.Equal(t, "v1", node.ConnectedVehicleID())
		assert.True(t, broker.hasSubscription(mqtt.TopicVehicleTelemetry("v1")))
	})

	t.Run("未知节点丢弃请求", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		err := h.assignVehicle(&dto.VehicleRequest{VehicleID: "v1", NodeID: "node-999"})
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrNodeNotFound))
		assert.False(t, broker.hasSubscription(mqtt.TopicVehicleTelemetry("v1")))
	})

	t.Run("忙碌节点拒绝后续请求", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		require.NoError(t, h.assignVehicle(&dto.VehicleRequest{VehicleID: "v1", NodeID: "node-001"}))
		err := h.assignVehicle(&dto.VehicleRequest{VehicleID: "v2", NodeID: "node-001"})
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrNodeBusy))

		node, _ := h.GetNode("node-001")
		assert.Equal(t, "v1", node.ConnectedVehicleID())
		assert.False(t, broker.hasSubscription(mqtt.TopicVehicleTelemetry("v2")))
	})

	t.Run("充电完成后退订车辆遥测", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		h.HandleVehicleAssignment(&dto.VehicleRequest{VehicleID: "v1", NodeID: "node-001"})
		node, _ := h.GetNode("node-001")

		payload, err := json.Marshal(&dto.VehicleTelemetry{
			GeoLocation:  dto.GeoLocation{Latitude: 44.6, Longitude: 10.9, Altitude: 30},
			BatteryLevel: 100,
			IsCharging:   false,
		})
		require.NoError(t, err)
		node.HandleVehicleTelemetry(mqtt.TopicVehicleTelemetry("v1"), payload)

		assert.Equal(t, dto.StateFull, node.GetStatus().State)
		assert.False(t, broker.hasSubscription(mqtt.TopicVehicleTelemetry("v1")))
	})
}

func TestApplyAllocation(t *testing.T) {
	t.Run("分配落地并夹紧到节点能力", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		h.ApplyAllocation(dlm.PowerAllocation{NodeID: "node-001", AllocatedPowerKW: 100})
		node, _ := h.GetNode("node-001")
		assert.InDelta(t, 22.0, node.GetTelemetry().PowerLimitKW, 0.001)
	})

	t.Run("未知节点分配返回类型化错误", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		err := h.applyAllocation(dlm.PowerAllocation{NodeID: "node-999", AllocatedPowerKW: 10})
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrNodeNotFound))
		h.ApplyAllocation(dlm.PowerAllocation{NodeID: "node-999", AllocatedPowerKW: 10})
	})

	t.Run("非有限分配被拒绝", func(t *testing.T) {
		broker := newFakeBroker()
		h := newTestHub(t, broker, "node-001")

		err := h.applyAllocation(dlm.PowerAllocation{NodeID: "node-001", AllocatedPowerKW: math.NaN()})
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrAllocationInvalid))

		node, _ := h.GetNode("node-001")
		assert.Zero(t, node.GetTelemetry().PowerLimitKW)
	})
}

func TestSessionEndTriggersReallocation(t *testing.T) {
	t.Run("充电结束后释放的容量立即重新分配", func(t *testing.T) {
		broker := newFakeBroker()
		svc := dlm.NewService("hub-001", 30, dlm.EqualSharing, "equal_sharing", time.Hour, broker)
		location := dto.GeoLocation{Latitude: 44.6471, Longitude: 10.9252, Altitude: 34}
		h := New("hub-001", location, 30, "192.168.1.10", "1.0.0", broker, svc)
		for _, id := range []string{"node-001", "node-002"} {
			node := NewNode(id, "hub-001", 22.0,
				hardware.NewSimulatedPowerSensor(),
				hardware.NewSimulatedProximitySensor(),
				hardware.NewSimulatedActuator())
			require.NoError(t, h.AddNode(node))
		}
		require.NoError(t, svc.Start(context.Background()))
		defer svc.Stop()

		h.HandleVehicleAssignment(&dto.VehicleRequest{VehicleID: "v1", NodeID: "node-001"})
		h.HandleVehicleAssignment(&dto.VehicleRequest{VehicleID: "v2", NodeID: "node-002"})
		svc.ApplyPolicy()

		node1, _ := h.GetNode("node-001")
		node2, _ := h.GetNode("node-002")
		assert.InDelta(t, 15.0, node2.GetTelemetry().PowerLimitKW, 0.001)

		// v1充满离场，节点转full触发重分配，不等下个周期
		payload, err := json.Marshal(&dto.VehicleTelemetry{
			GeoLocation:  dto.GeoLocation{Latitude: 44.6, Longitude: 10.9, Altitude: 30},
			BatteryLevel: 100,
		})
		require.NoError(t, err)
		node1.HandleVehicleTelemetry(mqtt.TopicVehicleTelemetry("v1"), payload)
		require.Equal(t, dto.StateFull, node1.GetStatus().State)

		assert.Eventually(t, func() bool {
			return node2.GetTelemetry().PowerLimitKW > 21.9
		}, time.Second, 10*time.Millisecond)
	})
}
