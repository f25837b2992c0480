package mqtt

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/bujia-iot/iot-evhub/internal/infrastructure/config"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-evhub/pkg/errors"
)

// WillMessage 遗嘱消息，枢纽异常断开时由Broker代为发布
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Client MQTT客户端封装
// 基于autopaho实现自动重连，重连后自动恢复全部订阅并触发注册的回调。
type Client struct {
	cfg    *config.MQTTConfig
	router *Router
	will   *WillMessage

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	onConnect []func(ctx context.Context)
}

// NewClient 创建MQTT客户端，不建立连接
func NewClient(cfg *config.MQTTConfig) *Client {
	return &Client{
		cfg:    cfg,
		router: NewRouter(),
	}
}

// SetWill 设置遗嘱消息，必须在Connect之前调用
func (c *Client) SetWill(topic string, payload []byte, qos byte, retain bool) {
	c.will = &WillMessage{Topic: topic, Payload: payload, QoS: qos, Retain: retain}
}

// OnConnect 注册连接建立后的回调，每次重连都会触发
// 用于重新发布保留的设备目录消息。必须在Connect之前调用。
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Connect 连接MQTT Broker并等待首次连接成功
// 超时时间由配置的connectTimeoutSeconds决定，超时返回错误由调用方决定退出。
func (c *Client) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.FormatBrokerURL())
	if err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, "invalid broker url", err)
	}

	keepAlive := uint16(c.cfg.KeepAliveSeconds)
	if keepAlive == 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  keepAlive,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.WithField("broker", brokerURL.String()).Info("🟢 MQTT连接已建立")
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// autopaho重连后不会自动恢复订阅，这里统一补发
			c.resubscribe(hookCtx, cm)
			c.mu.Lock()
			hooks := make([]func(ctx context.Context), len(c.onConnect))
			copy(hooks, c.onConnect)
			c.mu.Unlock()
			for _, fn := range hooks {
				fn(hookCtx)
			}
		},
		OnConnectError: func(err error) {
			logger.WithField("error", err).Warn("🔴 MQTT连接失败，等待重试")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
		},
	}

	if c.will != nil {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.will.Topic,
			Payload: c.will.Payload,
			QoS:     c.will.QoS,
			Retain:  c.will.Retain,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return errors.Wrap(errors.ErrBrokerConnectFailed, "failed to create mqtt connection", err)
	}

	// 所有入站消息经路由器分发
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"topic": pr.Packet.Topic,
					"panic": r,
				}).Error("MQTT消息处理器panic")
			}
		}()
		c.router.Dispatch(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	timeout := time.Duration(c.cfg.ConnectTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		_ = cm.Disconnect(context.Background())
		return errors.Wrap(errors.ErrBrokerConnectFailed, "broker unreachable", err)
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	cm := c.manager()
	if cm == nil {
		return errors.New(errors.ErrBrokerNotConnected, "mqtt client not connected")
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return errors.Wrap(errors.ErrPublishFailed, "publish to "+topic, err)
	}
	return nil
}

// PublishJSON 序列化为JSON后发布
func (c *Client) PublishJSON(ctx context.Context, topic string, v interface{}, qos byte, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrPublishFailed, "marshal payload for "+topic, err)
	}
	return c.Publish(ctx, topic, payload, qos, retain)
}

// Subscribe 订阅主题并注册处理器
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error {
	c.router.Add(filter, qos, handler)

	cm := c.manager()
	if cm == nil {
		return errors.New(errors.ErrBrokerNotConnected, "mqtt client not connected")
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: qos},
		},
	}); err != nil {
		return errors.Wrap(errors.ErrSubscribeFailed, "subscribe "+filter, err)
	}
	logger.WithField("topic", filter).Debug("MQTT订阅成功")
	return nil
}

// Unsubscribe 退订主题，对未订阅的主题为空操作
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	if !c.router.Remove(filter) {
		return nil
	}
	cm := c.manager()
	if cm == nil {
		return nil
	}
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{filter},
	}); err != nil {
		return errors.Wrap(errors.ErrSubscribeFailed, "unsubscribe "+filter, err)
	}
	logger.WithField("topic", filter).Debug("MQTT退订成功")
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect(ctx context.Context) error {
	cm := c.manager()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// resubscribe 重连后恢复路由器内记录的全部订阅
func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filters := c.router.Filters()
	if len(filters) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, 0, len(filters))
	for f, qos := range filters {
		opts = append(opts, paho.SubscribeOptions{Topic: f, QoS: qos})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		logger.WithField("error", err).Error("重连后恢复订阅失败")
		return
	}
	logger.WithField("count", len(opts)).Info("🔔 重连后已恢复订阅")
}

func (c *Client) manager() *autopaho.ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cm
}
