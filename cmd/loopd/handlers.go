package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v2"

	"github.com/magloop/loopd/pkg/analyzer"
	"github.com/magloop/loopd/pkg/calibration"
	"github.com/magloop/loopd/pkg/engine"
	"github.com/magloop/loopd/pkg/hardware"
	"github.com/magloop/loopd/pkg/logging"
)

// statusFor maps coordinator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotConfigured):
		return http.StatusPreconditionFailed
	default:
		return http.StatusBadRequest
	}
}

func parseDirection(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "forward", "fwd", "f", "up":
		return true, nil
	case "reverse", "rev", "r", "down":
		return false, nil
	}
	return false, fmt.Errorf("invalid direction %q", s)
}

// handleRoot identifies the daemon.
func (d *LoopDaemon) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "loopd",
		"version": Version,
		"build":   Build,
	})
}

// handleGetStatus returns the current device state snapshot.
func (d *LoopDaemon) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, d.engine.Snapshot())
}

// handleConfigure starts a travel survey.
func (d *LoopDaemon) handleConfigure(c *gin.Context) {
	if err := d.engine.Configure(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "started",
		"activity": "configure",
	})
}

// handleCalibrate starts a calibration sweep.
func (d *LoopDaemon) handleCalibrate(c *gin.Context) {
	var req struct {
		LoopID int    `json:"loop_id"`
		Name   string `json:"name"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.LoopID == 0 {
		req.LoopID = d.engine.Snapshot().ActiveLoop
	}

	if err := d.engine.Calibrate(req.LoopID, req.Name); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "started",
		"activity": "calibrate",
		"loop_id":  req.LoopID,
	})
}

// handleTune moves the loop to the position calibrated for a frequency.
func (d *LoopDaemon) handleTune(c *gin.Context) {
	var req struct {
		LoopID      int     `json:"loop_id"`
		FrequencyHz float64 `json:"frequency_hz" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.LoopID == 0 {
		req.LoopID = d.engine.Snapshot().ActiveLoop
	}

	if err := d.engine.Tune(req.LoopID, req.FrequencyHz); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":       "started",
		"activity":     "tune",
		"loop_id":      req.LoopID,
		"frequency_hz": req.FrequencyHz,
	})
}

// handleMove drives the actuator to a feedback position or a percent
// of travel.
func (d *LoopDaemon) handleMove(c *gin.Context) {
	var req struct {
		Feedback *int     `json:"feedback"`
		Percent  *float64 `json:"percent"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	switch {
	case req.Feedback != nil && req.Percent != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "specify either feedback or percent, not both"})
		return
	case req.Feedback != nil:
		err = d.engine.MoveTo(*req.Feedback)
	case req.Percent != nil:
		err = d.engine.MoveToPercent(*req.Percent)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "feedback or percent is required"})
		return
	}

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "started",
		"activity": "move",
	})
}

// handleNudge steps the actuator one increment.
func (d *LoopDaemon) handleNudge(c *gin.Context) {
	var req struct {
		Direction string `json:"direction" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	forward, err := parseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := d.engine.Nudge(forward); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "started",
		"activity":  "nudge",
		"direction": req.Direction,
	})
}

// handleRun starts a free-running move.
func (d *LoopDaemon) handleRun(c *gin.Context) {
	var req struct {
		Direction string `json:"direction" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	forward, err := parseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := d.engine.Run(forward); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "started",
		"activity":  "run",
		"direction": req.Direction,
	})
}

// handleRunTimed runs the motor for a fixed number of milliseconds.
func (d *LoopDaemon) handleRunTimed(c *gin.Context) {
	var req struct {
		Direction string `json:"direction" binding:"required"`
		Ms        int    `json:"ms" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	forward, err := parseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := d.engine.MoveTimed(forward, req.Ms); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "started",
		"activity":  "timed run",
		"direction": req.Direction,
		"ms":        req.Ms,
	})
}

// handleStop ends a free-running move cleanly.
func (d *LoopDaemon) handleStop(c *gin.Context) {
	if err := d.engine.Stop(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleAbort cancels whatever is running.
func (d *LoopDaemon) handleAbort(c *gin.Context) {
	if err := d.engine.Abort(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

// handleGetSpeed reports the last known motor speed. The refresh from
// the controller is best effort; a busy controller still answers with
// the cached value.
func (d *LoopDaemon) handleGetSpeed(c *gin.Context) {
	_ = d.engine.QuerySpeed()
	c.JSON(http.StatusOK, gin.H{"speed": d.engine.Snapshot().Speed})
}

// handleSetSpeed changes the motor speed.
func (d *LoopDaemon) handleSetSpeed(c *gin.Context) {
	var req struct {
		Speed *int `json:"speed" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := d.engine.SetSpeed(*req.Speed); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "started",
		"speed":  *req.Speed,
	})
}

// handleFrequencyLimits surveys the usable frequency range of a loop.
func (d *LoopDaemon) handleFrequencyLimits(c *gin.Context) {
	var req struct {
		LoopID int `json:"loop_id"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.LoopID == 0 {
		req.LoopID = d.engine.Snapshot().ActiveLoop
	}

	if err := d.engine.FrequencyLimits(req.LoopID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "started",
		"activity": "frequency limits",
		"loop_id":  req.LoopID,
	})
}

// handleGetLoops lists the loop records.
func (d *LoopDaemon) handleGetLoops(c *gin.Context) {
	if d.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is not available"})
		return
	}

	loops, err := d.store.GetLoops()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"loops": loops})
}

// handleSetActiveLoop selects which loop the daemon operates.
func (d *LoopDaemon) handleSetActiveLoop(c *gin.Context) {
	var req struct {
		LoopID int `json:"loop_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := d.engine.SetActiveLoop(req.LoopID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_loop": req.LoopID,
	})
}

// handleGetSets lists the stored calibration sets for a loop.
func (d *LoopDaemon) handleGetSets(c *gin.Context) {
	if d.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is not available"})
		return
	}

	loopID, err := strconv.Atoi(c.Param("id"))
	if err != nil || !calibration.ValidLoopID(loopID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid loop id %q", c.Param("id"))})
		return
	}

	sets, err := d.store.GetCalibrationSets(loopID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"loop_id": loopID,
		"sets":    sets,
	})
}

// handleDeleteSet removes one stored calibration set and refreshes the
// coordinator's cache.
func (d *LoopDaemon) handleDeleteSet(c *gin.Context) {
	if d.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is not available"})
		return
	}

	id := c.Param("id")
	if err := d.store.DeleteCalibrationSet(id); err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	d.engine.ReloadCalibration()

	c.JSON(http.StatusOK, gin.H{
		"status": "deleted",
		"id":     id,
	})
}

// handleEstimate interpolates the resonance at a feedback position.
// Without a feedback query parameter the current position is used.
func (d *LoopDaemon) handleEstimate(c *gin.Context) {
	feedback := d.engine.Snapshot().Feedback
	if v := c.Query("feedback"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid feedback position %q", v)})
			return
		}
		feedback = parsed
	}

	if feedback < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no feedback position known yet"})
		return
	}

	point, err := d.engine.EstimateAt(feedback)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, point)
}

// handlePosition maps a frequency to a feedback position.
func (d *LoopDaemon) handlePosition(c *gin.Context) {
	hz, err := strconv.ParseFloat(c.Query("frequency_hz"), 64)
	if err != nil || hz <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid frequency %q", c.Query("frequency_hz"))})
		return
	}

	feedback, err := d.engine.PositionForFrequency(hz)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"feedback":     feedback,
		"frequency_hz": hz,
	})
}

// handleSetMode switches the changeover relay.
func (d *LoopDaemon) handleSetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode, err := hardware.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := d.engine.SetRelay(mode); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   mode.String(),
	})
}

// handleAnalyzerSweep runs one sweep and returns the SWR curve. The
// relay is held on the analyzer side for the duration.
func (d *LoopDaemon) handleAnalyzerSweep(c *gin.Context) {
	if d.analyzer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analyzer is not enabled"})
		return
	}

	sweep := d.defaultSweep()
	if v := c.Query("start_hz"); v != "" {
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid start_hz %q", v)})
			return
		}
		sweep.StartHz = hz
	}
	if v := c.Query("stop_hz"); v != "" {
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid stop_hz %q", v)})
			return
		}
		sweep.StopHz = hz
	}
	if v := c.Query("points"); v != "" {
		points, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid points %q", v)})
			return
		}
		sweep.Points = points
	}

	if err := sweep.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if d.relay != nil {
		if err := d.engine.SetRelay(hardware.ModeAnalyzer); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		defer d.engine.SetRelay(hardware.ModeRadio)
	}

	result, err := d.analyzer.Sweep(sweep)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resonance, err := result.FindResonance()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"frequencies": result.Frequencies,
		"vswr":        result.VSWR(),
		"resonance":   resonance,
	})
}

// defaultSweep builds the sweep range for the active loop, falling
// back to the full HF range when the loop has no configured limits.
func (d *LoopDaemon) defaultSweep() analyzer.SweepConfig {
	sweep := analyzer.SweepConfig{
		StartHz: 1e6,
		StopHz:  30e6,
		Points:  d.config.Analyzer.SweepPoints,
	}
	if loop, ok := d.config.LoopByID(d.engine.Snapshot().ActiveLoop); ok && loop.LowHz > 0 && loop.HighHz > loop.LowHz {
		sweep.StartHz = loop.LowHz
		sweep.StopHz = loop.HighHz
	}
	return sweep
}

// handleGetConfig returns the running configuration
func (d *LoopDaemon) handleGetConfig(c *gin.Context) {
	// Marshal to YAML then unmarshal to JSON via map to ensure
	// field names match the YAML structure and JSON compatibility
	yamlData, err := yaml.Marshal(d.config)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to marshal config: %v", err),
		})
		return
	}

	var yamlConfig interface{}
	if err := yaml.Unmarshal(yamlData, &yamlConfig); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to unmarshal config: %v", err),
		})
		return
	}

	// Convert map[interface{}]interface{} to map[string]interface{} recursively
	configMap := convertYamlToJson(yamlConfig)

	// Never hand credentials to the browser
	if m, ok := configMap.(map[string]interface{}); ok {
		if mqtt, ok := m["mqtt"].(map[string]interface{}); ok {
			if password, ok := mqtt["password"].(string); ok && password != "" {
				mqtt["password"] = "redacted"
			}
		}
	}

	c.JSON(http.StatusOK, configMap)
}

// convertYamlToJson converts YAML map[interface{}]interface{} to JSON-compatible map[string]interface{}
func convertYamlToJson(i interface{}) interface{} {
	switch x := i.(type) {
	case map[interface{}]interface{}:
		m2 := map[string]interface{}{}
		for k, v := range x {
			m2[fmt.Sprintf("%v", k)] = convertYamlToJson(v)
		}
		return m2
	case []interface{}:
		for i, v := range x {
			x[i] = convertYamlToJson(v)
		}
	}
	return i
}

// statusHub tracks websocket subscribers. Pushes never block: a client
// that falls behind misses snapshots until it drains.
type statusHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan engine.Snapshot
}

func newStatusHub() *statusHub {
	return &statusHub{clients: make(map[*websocket.Conn]chan engine.Snapshot)}
}

func (h *statusHub) add(conn *websocket.Conn) chan engine.Snapshot {
	ch := make(chan engine.Snapshot, 4)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *statusHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *statusHub) broadcast(snap engine.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- snap:
		default:
		}
	}
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// handleStatusWebSocket streams state snapshots: every change pushed
// by the coordinator, plus a periodic refresh so clients can tell a
// quiet daemon from a dead one.
func (d *LoopDaemon) handleStatusWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error("web", fmt.Sprintf("WebSocket upgrade failed: %v", err))
		return
	}
	defer conn.Close()

	logging.Debug("web", "Status WebSocket client connected")

	updates := d.hub.add(conn)
	defer d.hub.remove(conn)

	// Reader goroutine: its only job is noticing the client went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(d.engine.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case snap := <-updates:
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(d.engine.Snapshot()); err != nil {
				return
			}
		case <-done:
			logging.Debug("web", "Status WebSocket client disconnected")
			return
		case <-d.ctx.Done():
			return
		}
	}
}
