package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magloop/loopd/pkg/analyzer"
	"github.com/magloop/loopd/pkg/config"
	"github.com/magloop/loopd/pkg/engine"
	"github.com/magloop/loopd/pkg/hardware"
	"github.com/magloop/loopd/pkg/link"
	"github.com/magloop/loopd/pkg/logging"
	"github.com/magloop/loopd/pkg/storage"
	"github.com/magloop/loopd/pkg/telemetry"
)

// LoopDaemon wires the serial link, coordinator, storage and the web
// surface into one process.
type LoopDaemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Core components
	port       link.Port
	simPort    *link.SimPort
	dispatcher *link.Dispatcher
	store      *storage.Store
	analyzer   *analyzer.Analyzer
	relay      *hardware.RelayManager
	engine     *engine.Engine
	telemetry  *telemetry.Publisher

	hub       *statusHub
	webServer *http.Server
}

// NewLoopDaemon creates a new daemon instance. Nothing moves until
// Start.
func NewLoopDaemon(cfg *config.Config) (*LoopDaemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	daemon := &LoopDaemon{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		hub:    newStatusHub(),
	}

	// Serial link to the motor controller
	if cfg.Serial.Simulate {
		daemon.simPort = link.NewSimPort()
		daemon.port = daemon.simPort
		logging.Info("daemon", "Motor controller: simulated")
	} else {
		port, err := link.Open(link.Options{
			Device:      cfg.Serial.Device,
			BaudRate:    cfg.Serial.BaudRate,
			DataBits:    cfg.Serial.DataBits,
			StopBits:    cfg.Serial.StopBits,
			Parity:      cfg.Serial.Parity,
			ReadTimeout: cfg.SerialReadTimeout(),
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		daemon.port = port
	}

	daemon.dispatcher = link.NewDispatcher(daemon.port)

	// Calibration storage. The daemon still runs without it; moves
	// work, calibration just cannot persist.
	store, err := storage.NewStore(cfg.Storage.DatabasePath, cfg.Storage.MaxSetsPerLoop)
	if err != nil {
		logging.Warn("daemon", fmt.Sprintf("Storage unavailable, calibration will not persist: %v", err))
	} else {
		daemon.store = store
		daemon.seedLoops()
	}

	// Antenna analyzer
	if cfg.Analyzer.Enabled {
		driver, err := daemon.openAnalyzer()
		if err != nil {
			daemon.closePartial()
			cancel()
			return nil, fmt.Errorf("failed to open analyzer: %w", err)
		}
		daemon.analyzer = analyzer.New(driver)
	}

	// Changeover relay between radio and analyzer
	if cfg.Relay.Enabled {
		daemon.relay = hardware.NewRelayManager(hardware.RelayConfig{
			Enabled:    true,
			GPIOPin:    cfg.Relay.GPIOPin,
			ActiveHigh: cfg.Relay.ActiveHigh,
		}, hardware.NewLinuxGPIO())
	}

	daemon.engine = engine.New(engine.Options{
		Config:    cfg,
		Transport: daemon.dispatcher,
		Store:     daemon.store,
		Analyzer:  daemon.analyzer,
		Relay:     daemon.relay,
		OnChange:  daemon.onStateChange,
	})

	// MQTT telemetry
	if cfg.MQTT.Enabled {
		publisher, err := telemetry.New(cfg, daemon.engine.Snapshot)
		if err != nil {
			logging.Warn("daemon", fmt.Sprintf("MQTT telemetry disabled: %v", err))
		} else {
			daemon.telemetry = publisher
		}
	}

	daemon.setupWebServer()

	return daemon, nil
}

// Start brings the hardware online and launches the web server.
func (d *LoopDaemon) Start() error {
	logging.Info("daemon", "Starting loopd daemon...")

	if d.relay != nil {
		if err := d.relay.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize relay: %w", err)
		}
	}

	d.dispatcher.Start()

	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if d.telemetry != nil {
		d.telemetry.Start()
	}

	// Start web server
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logging.Info("daemon", fmt.Sprintf("Web server listening on %s", d.webServer.Addr))
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("daemon", fmt.Sprintf("Web server error: %v", err))
		}
	}()

	return nil
}

// Stop shuts the daemon down in reverse dependency order.
func (d *LoopDaemon) Stop() error {
	logging.Info("daemon", "Stopping daemon...")

	d.cancel()

	// Shutdown web server
	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warn("daemon", fmt.Sprintf("Web server shutdown error: %v", err))
		}
	}

	if d.telemetry != nil {
		d.telemetry.Close()
	}

	if err := d.engine.Close(); err != nil {
		logging.Warn("daemon", fmt.Sprintf("Engine shutdown error: %v", err))
	}

	if err := d.dispatcher.Close(); err != nil {
		logging.Warn("daemon", fmt.Sprintf("Dispatcher shutdown error: %v", err))
	}

	if d.analyzer != nil {
		if err := d.analyzer.Close(); err != nil {
			logging.Warn("daemon", fmt.Sprintf("Analyzer shutdown error: %v", err))
		}
	}

	if d.relay != nil {
		if err := d.relay.Close(); err != nil {
			logging.Warn("daemon", fmt.Sprintf("Relay shutdown error: %v", err))
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logging.Warn("daemon", fmt.Sprintf("Storage shutdown error: %v", err))
		}
	}

	// Wait for goroutines to finish
	d.wg.Wait()

	logging.Info("daemon", "Daemon stopped")
	return nil
}

// closePartial releases what NewLoopDaemon acquired before a later
// step failed.
func (d *LoopDaemon) closePartial() {
	if d.port != nil {
		d.port.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
}

// seedLoops pushes configured loop names and band limits into storage
// so API listings reflect the config file. Limits found by a frequency
// survey are kept unless the config names its own.
func (d *LoopDaemon) seedLoops() {
	for _, loop := range d.config.Loops {
		record := storage.LoopRecord{
			ID:       loop.ID,
			Name:     d.config.LoopName(loop.ID),
			LowHz:    loop.LowHz,
			HighHz:   loop.HighHz,
			CalSteps: loop.CalSteps,
		}
		if record.LowHz == 0 && record.HighHz == 0 {
			if stored, err := d.store.GetLoop(loop.ID); err == nil {
				record.LowHz = stored.LowHz
				record.HighHz = stored.HighHz
			}
		}
		if err := d.store.UpsertLoop(record); err != nil {
			logging.Warn("daemon", fmt.Sprintf("Failed to seed loop %d: %v", loop.ID, err))
		}
	}
}

// openAnalyzer builds the analyzer driver named by the config.
func (d *LoopDaemon) openAnalyzer() (analyzer.Driver, error) {
	if d.config.Analyzer.Simulate {
		logging.Info("daemon", "Antenna analyzer: simulated")
		return analyzer.NewSimDriver(d.simResonance), nil
	}
	return analyzer.OpenSerial(d.config.Analyzer.Device, d.config.Analyzer.BaudRate)
}

// simResonance derives a resonant frequency from the simulated motor
// position so calibration runs against the sim produce a plausible,
// monotonically falling curve across the travel.
func (d *LoopDaemon) simResonance() float64 {
	snap := d.engine.Snapshot()

	home, max := 40.0, 940.0
	if snap.Configured {
		home, max = float64(snap.Home), float64(snap.Max)
	}

	low, high := 7.0e6, 21.0e6
	if loop, ok := d.config.LoopByID(snap.ActiveLoop); ok && loop.LowHz > 0 && loop.HighHz > loop.LowHz {
		low, high = loop.LowHz, loop.HighHz
	}

	span := max - home
	if span <= 0 {
		span = 1
	}

	var pos float64
	if d.simPort != nil {
		pos = float64(d.simPort.Position())
	}

	fraction := (pos - home) / span
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	// Fully retracted at home resonates highest; frequency falls as
	// the capacitor meshes.
	return high - fraction*(high-low)
}

// onStateChange fans a fresh snapshot out to websocket clients and the
// telemetry publisher. Runs on the engine's notify goroutine.
func (d *LoopDaemon) onStateChange(snap engine.Snapshot) {
	d.hub.broadcast(snap)
	if d.telemetry != nil {
		d.telemetry.PublishSnapshot(snap)
	}
}

// setupWebServer initializes the web server and routes
func (d *LoopDaemon) setupWebServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", d.handleRoot)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", d.handleStatusWebSocket)

	// API routes
	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.POST("/configure", d.handleConfigure)
		api.POST("/calibrate", d.handleCalibrate)
		api.POST("/tune", d.handleTune)
		api.POST("/move", d.handleMove)
		api.POST("/nudge", d.handleNudge)
		api.POST("/run", d.handleRun)
		api.POST("/run/timed", d.handleRunTimed)
		api.POST("/stop", d.handleStop)
		api.POST("/abort", d.handleAbort)
		api.GET("/speed", d.handleGetSpeed)
		api.POST("/speed", d.handleSetSpeed)
		api.POST("/limits", d.handleFrequencyLimits)
		api.GET("/loops", d.handleGetLoops)
		api.POST("/loops/active", d.handleSetActiveLoop)
		api.GET("/loops/:id/sets", d.handleGetSets)
		api.DELETE("/sets/:id", d.handleDeleteSet)
		api.GET("/estimate", d.handleEstimate)
		api.GET("/position", d.handlePosition)
		api.POST("/mode", d.handleSetMode)
		api.GET("/analyzer/sweep", d.handleAnalyzerSweep)
		api.GET("/config", d.handleGetConfig)
	}

	addr := fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port)
	d.webServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
}
