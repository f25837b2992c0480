package mqtt

import (
	"strings"
	"sync"
)

// MessageHandler 收到订阅消息时的回调
type MessageHandler func(topic string, payload []byte)

// subscription 单条订阅记录
type subscription struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// Router 主题路由器，负责把收到的消息分发给匹配的处理器
// 支持MQTT通配符: "+"匹配单层, "#"匹配剩余所有层
type Router struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewRouter 创建主题路由器
func NewRouter() *Router {
	return &Router{
		subs: make(map[string]*subscription),
	}
}

// Add 注册订阅，同一过滤器重复注册时覆盖旧处理器
func (r *Router) Add(filter string, qos byte, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[filter] = &subscription{
		filter:  filter,
		qos:     qos,
		handler: handler,
	}
}

// Remove 移除订阅，返回该过滤器此前是否存在
func (r *Router) Remove(filter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[filter]
	delete(r.subs, filter)
	return ok
}

// Filters 返回当前全部订阅过滤器及其QoS，重连后重新订阅使用
func (r *Router) Filters() map[string]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	filters := make(map[string]byte, len(r.subs))
	for f, s := range r.subs {
		filters[f] = s.qos
	}
	return filters
}

// Dispatch 把消息分发给所有匹配的处理器，返回匹配数量
func (r *Router) Dispatch(topic string, payload []byte) int {
	r.mu.RLock()
	var handlers []MessageHandler
	for _, s := range r.subs {
		if TopicMatches(s.filter, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers)
}

// TopicMatches 判断主题是否匹配过滤器
func TopicMatches(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, fl := range filterLevels {
		if fl == "#" {
			// "#"必须是过滤器的最后一层
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != "+" && fl != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
