package hub

import (
	"context"
	"time"

	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/mqtt"
)

// Broker 枢纽对消息层的依赖，*mqtt.Client满足该接口
type Broker interface {
	PublishJSON(ctx context.Context, topic string, v interface{}, qos byte, retain bool) error
	Subscribe(ctx context.Context, filter string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(ctx context.Context, filter string) error
}

// publishRoute 单类消息的发布规格
type publishRoute struct {
	topic   string
	qos     byte
	retain  bool
	content func(*Node) interface{}
}

// nodePublisher 节点数据监听器
// 为每个(节点, 消息类别)固化规范主题、QoS和retain标志，被通知时
// 序列化并发布。节点因此无需感知主题命名。status不走内容回调，
// 发布迁移时刻捕获的载荷，避免并发迁移覆盖中间状态。
type nodePublisher struct {
	broker      Broker
	statusTopic string
	routes      map[MessageType]publishRoute
}

// newNodePublisher 为节点构造监听器，路由表按规范固化
func newNodePublisher(broker Broker, hubID, nodeID string) *nodePublisher {
	return &nodePublisher{
		broker:      broker,
		statusTopic: mqtt.TopicNodeStatus(hubID, nodeID),
		routes: map[MessageType]publishRoute{
			MessageInfo: {
				topic:   mqtt.TopicNodeInfo(hubID, nodeID),
				qos:     1,
				retain:  true,
				content: func(n *Node) interface{} { info := n.GetInfo(); return &info },
			},
			MessageTelemetry: {
				topic:   mqtt.TopicNodeTelemetry(hubID, nodeID),
				qos:     0,
				retain:  false,
				content: func(n *Node) interface{} { t := n.GetTelemetry(); return &t },
			},
		},
	}
}

// OnNotify 实现DataListener: 按消息类别取内容并发布
func (p *nodePublisher) OnNotify(node *Node, messageType MessageType) {
	route, ok := p.routes[messageType]
	if !ok {
		logger.WithField("message_type", messageType).Warn("未知的节点消息类别，忽略")
		return
	}
	p.publish(route.topic, route.content(node), route.qos, route.retain)
}

// OnStatusChange 实现DataListener: 发布迁移时刻捕获的status载荷
func (p *nodePublisher) OnStatusChange(_ *Node, status dto.NodeStatus) {
	p.publish(p.statusTopic, &status, 1, false)
}

func (p *nodePublisher) publish(topic string, payload interface{}, qos byte, retain bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.broker.PublishJSON(ctx, topic, payload, qos, retain); err != nil {
		// 瞬时发布失败不上抛，遥测很快有新样本，状态靠QoS1重传
		logger.WithFields(map[string]interface{}{
			"topic": topic,
			"error": err,
		}).Warn("节点消息发布失败")
	}
}

// nodeListener 组合发布与枢纽侧联动
// 节点离开charging时触发一轮重分配，释放的容量不必等到下个DLM周期。
type nodeListener struct {
	hub       *Hub
	publisher *nodePublisher
}

func (l *nodeListener) OnNotify(node *Node, messageType MessageType) {
	l.publisher.OnNotify(node, messageType)
}

func (l *nodeListener) OnStatusChange(node *Node, status dto.NodeStatus) {
	l.publisher.OnStatusChange(node, status)
	if status.State != dto.StateCharging && l.hub.dlm != nil {
		l.hub.dlm.Trigger()
	}
}
