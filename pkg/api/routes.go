// Package api 提供告警查询与实时推送的 HTTP 接口
package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mixwatch/pkg/alert"
	"mixwatch/pkg/suspects"
)

// FindingSource 告警历史与统计
type FindingSource interface {
	History(limit int) []alert.Record
	Statistics() alert.Statistics
}

// SuspectView 只读的可疑地址视图
type SuspectView interface {
	suspects.Peeker
	Len() int
}

// BlockSource 监控进度
type BlockSource interface {
	LastBlock() uint64
}

// Deps 路由依赖，为 nil 的依赖对应的接口返回 503
type Deps struct {
	ChainID  uint64
	Findings FindingSource
	Suspects SuspectView
	Blocks   BlockSource
	Hub      *Hub
	Gatherer prometheus.Gatherer
}

type handler struct {
	deps Deps
}

// SetupRouter 注册所有路由
func SetupRouter(deps Deps) *gin.Engine {
	r := gin.Default()

	// ALLOWED_ORIGINS 为空时允许所有来源
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &handler{deps: deps}
	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", h.handleHealth)
		v1.GET("/findings", h.handleFindings)
		v1.GET("/stats", h.handleStats)
		v1.GET("/suspects", h.handleSuspects)
		v1.GET("/suspects/:address", h.handleSuspect)
		if deps.Hub != nil {
			v1.GET("/stream", deps.Hub.Subscribe)
		}
	}

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return r
}

func (h *handler) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok", "chainId": h.deps.ChainID}
	if h.deps.Blocks != nil {
		resp["lastBlock"] = h.deps.Blocks.LastBlock()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) handleFindings(c *gin.Context) {
	if h.deps.Findings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alerting disabled"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, h.deps.Findings.History(limit))
}

func (h *handler) handleStats(c *gin.Context) {
	resp := gin.H{"chainId": h.deps.ChainID}
	if h.deps.Findings != nil {
		resp["alerts"] = h.deps.Findings.Statistics()
	}
	if h.deps.Suspects != nil {
		resp["suspects"] = h.deps.Suspects.Len()
	}
	if h.deps.Blocks != nil {
		resp["lastBlock"] = h.deps.Blocks.LastBlock()
	}
	if h.deps.Hub != nil {
		resp["streamClients"] = h.deps.Hub.Clients()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) handleSuspects(c *gin.Context) {
	if h.deps.Suspects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tracker unavailable"})
		return
	}
	keys := h.deps.Suspects.Keys()
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(keys), "addresses": keys})
}

// handleSuspect 查询不刷新地址的最近使用顺序
func (h *handler) handleSuspect(c *gin.Context) {
	if h.deps.Suspects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tracker unavailable"})
		return
	}
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	addr := common.HexToAddress(raw)
	c.JSON(http.StatusOK, gin.H{"address": suspects.Key(addr), "suspect": h.deps.Suspects.Peek(addr)})
}
