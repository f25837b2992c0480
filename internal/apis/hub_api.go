package apis

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bujia-iot/iot-evhub/internal/domain/dto"
	"github.com/bujia-iot/iot-evhub/pkg/dlm"
	"github.com/bujia-iot/iot-evhub/pkg/hub"
)

// hubAPI 快照查询处理器集合
type hubAPI struct {
	hub *hub.Hub
	dlm *dlm.Service
}

// nodeView 节点完整视图
type nodeView struct {
	Info      dto.NodeInfo      `json:"info"`
	Status    dto.NodeStatus    `json:"status"`
	Telemetry dto.NodeTelemetry `json:"telemetry"`
}

// ok 统一成功响应
func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"data":    data,
		"message": "success",
	})
}

// GetHealth 健康检查
func (a *hubAPI) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ping 连通性探测
func (a *hubAPI) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

// GetHub 枢纽标识与当前状态
func (a *hubAPI) GetHub(c *gin.Context) {
	ok(c, gin.H{
		"info":   a.hub.GetInfo(),
		"status": a.hub.GetStatus(),
	})
}

// GetNodes 全部节点的完整视图
func (a *hubAPI) GetNodes(c *gin.Context) {
	views := make([]nodeView, 0)
	for _, id := range a.hub.NodeIDs() {
		node, exists := a.hub.GetNode(id)
		if !exists {
			continue
		}
		views = append(views, nodeView{
			Info:      node.GetInfo(),
			Status:    node.GetStatus(),
			Telemetry: node.GetTelemetry(),
		})
	}
	ok(c, views)
}

// GetNode 单节点详情
func (a *hubAPI) GetNode(c *gin.Context) {
	nodeID := c.Param("node_id")
	node, exists := a.hub.GetNode(nodeID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    404,
			"message": "node not found: " + nodeID,
		})
		return
	}
	ok(c, nodeView{
		Info:      node.GetInfo(),
		Status:    node.GetStatus(),
		Telemetry: node.GetTelemetry(),
	})
}

// GetAllocations 每节点最近一次已发布的功率限额
func (a *hubAPI) GetAllocations(c *gin.Context) {
	ok(c, a.dlm.LastPublishedLimits())
}

// GetEvents 负载管理事件审计环
func (a *hubAPI) GetEvents(c *gin.Context) {
	ok(c, a.dlm.Events())
}
