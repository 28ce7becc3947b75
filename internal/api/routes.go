package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaynode-project/relaynode/internal/util"
)

// handleHealth answers infrastructure probes with a bare 200.
func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "relaynode",
		"version": "1.0.0",
	})
}

// handleServerInfo returns basic node information and a live resource
// snapshot.
func (s *Server) handleServerInfo(c *gin.Context) {
	node := s.cfg.GetNodeData()
	sysInfo := util.GetSystemInfo()

	info := gin.H{
		"node_name":       node.Name,
		"node_index":      node.NodeIndex,
		"stream_port":     node.StreamPort,
		"message_port":    node.MessagePort(),
		"sessions":        s.registry.Count(),
		"players":         s.store.Count(),
		"platform":        sysInfo.OS,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	}

	if cpuPct, err := util.GetCPUUsage(); err == nil {
		info["cpu_percent"] = cpuPct
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		info["memory"] = mem
	}

	c.JSON(http.StatusOK, info)
}

// handlePlayers returns the live player state records.
func (s *Server) handlePlayers(c *gin.Context) {
	players := s.store.All()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(players),
		"players": players,
	})
}

// handleCluster returns the node's cluster state: its own relay lifecycle
// plus the cached membership view and any announced children.
func (s *Server) handleCluster(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusOK, gin.H{"state": "standalone"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":    s.relay.State().String(),
		"unified":  s.relay.Unified(),
		"view":     s.relay.View(),
		"children": s.relay.Children(),
	})
}
