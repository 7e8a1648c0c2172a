// Package client provides a typed Go client for the loopd HTTP API.
// loopctl is built on it; other programs can embed it to drive the
// loop from their own logic.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/magloop/loopd/pkg/analyzer"
	"github.com/magloop/loopd/pkg/calibration"
	"github.com/magloop/loopd/pkg/engine"
	"github.com/magloop/loopd/pkg/storage"
)

// Client talks to a running loopd daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// VersionInfo identifies the daemon build.
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
}

// SweepResult is one analyzer sweep with the resonance it found.
type SweepResult struct {
	Frequencies []float64            `json:"frequencies"`
	VSWR        []float64            `json:"vswr"`
	Resonance   analyzer.Measurement `json:"resonance"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *Client) post(path string, body, out interface{}) error {
	return c.do(http.MethodPost, path, body, out)
}

// Version returns the daemon's name and build information.
func (c *Client) Version() (*VersionInfo, error) {
	var info VersionInfo
	if err := c.get("/", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// IsConnected tests whether the daemon is reachable.
func (c *Client) IsConnected() bool {
	_, err := c.Version()
	return err == nil
}

// Status returns the current device state snapshot.
func (c *Client) Status() (*engine.Snapshot, error) {
	var snap engine.Snapshot
	if err := c.get("/api/v1/status", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Configure starts a travel survey: home the actuator, run to max,
// record both feedback anchors.
func (c *Client) Configure() error {
	return c.post("/api/v1/configure", nil, nil)
}

// Calibrate starts a calibration sweep for a loop. With loopID 0 the
// daemon uses the active loop; an empty name gets a timestamp.
func (c *Client) Calibrate(loopID int, name string) error {
	body := map[string]interface{}{"loop_id": loopID, "name": name}
	return c.post("/api/v1/calibrate", body, nil)
}

// Tune moves the loop to the position calibrated for hz. With loopID 0
// the daemon uses the active loop.
func (c *Client) Tune(loopID int, hz float64) error {
	body := map[string]interface{}{"loop_id": loopID, "frequency_hz": hz}
	return c.post("/api/v1/tune", body, nil)
}

// MoveTo drives the actuator to an absolute feedback position.
func (c *Client) MoveTo(feedback int) error {
	body := map[string]interface{}{"feedback": feedback}
	return c.post("/api/v1/move", body, nil)
}

// MoveToPercent drives the actuator to a percent of the configured
// travel span.
func (c *Client) MoveToPercent(percent float64) error {
	body := map[string]interface{}{"percent": percent}
	return c.post("/api/v1/move", body, nil)
}

// Nudge steps the actuator one increment.
func (c *Client) Nudge(forward bool) error {
	body := map[string]interface{}{"direction": directionWord(forward)}
	return c.post("/api/v1/nudge", body, nil)
}

// Run starts a free-running move that continues until Stop or Abort.
func (c *Client) Run(forward bool) error {
	body := map[string]interface{}{"direction": directionWord(forward)}
	return c.post("/api/v1/run", body, nil)
}

// MoveTimed runs the motor for a fixed number of milliseconds.
func (c *Client) MoveTimed(forward bool, ms int) error {
	body := map[string]interface{}{"direction": directionWord(forward), "ms": ms}
	return c.post("/api/v1/run/timed", body, nil)
}

// Stop ends a free-running move cleanly.
func (c *Client) Stop() error {
	return c.post("/api/v1/stop", nil, nil)
}

// Abort cancels whatever the daemon is doing.
func (c *Client) Abort() error {
	return c.post("/api/v1/abort", nil, nil)
}

// Speed returns the last known motor speed and asks the daemon to
// refresh it from the controller.
func (c *Client) Speed() (int, error) {
	var resp struct {
		Speed int `json:"speed"`
	}
	if err := c.get("/api/v1/speed", &resp); err != nil {
		return 0, err
	}
	return resp.Speed, nil
}

// SetSpeed changes the motor speed (0-100).
func (c *Client) SetSpeed(speed int) error {
	body := map[string]interface{}{"speed": speed}
	return c.post("/api/v1/speed", body, nil)
}

// FrequencyLimits surveys the usable frequency range of a loop by
// measuring resonance at both travel endpoints.
func (c *Client) FrequencyLimits(loopID int) error {
	body := map[string]interface{}{"loop_id": loopID}
	return c.post("/api/v1/limits", body, nil)
}

// Loops lists the loop records known to the daemon.
func (c *Client) Loops() ([]storage.LoopRecord, error) {
	var resp struct {
		Loops []storage.LoopRecord `json:"loops"`
	}
	if err := c.get("/api/v1/loops", &resp); err != nil {
		return nil, err
	}
	return resp.Loops, nil
}

// SetActiveLoop selects which loop the daemon operates.
func (c *Client) SetActiveLoop(loopID int) error {
	body := map[string]interface{}{"loop_id": loopID}
	return c.post("/api/v1/loops/active", body, nil)
}

// Sets lists the stored calibration sets for a loop, newest first.
func (c *Client) Sets(loopID int) ([]calibration.Set, error) {
	var resp struct {
		Sets []calibration.Set `json:"sets"`
	}
	if err := c.get(fmt.Sprintf("/api/v1/loops/%d/sets", loopID), &resp); err != nil {
		return nil, err
	}
	return resp.Sets, nil
}

// DeleteSet removes one stored calibration set.
func (c *Client) DeleteSet(id string) error {
	return c.do(http.MethodDelete, "/api/v1/sets/"+url.PathEscape(id), nil, nil)
}

// Estimate interpolates the resonance at a feedback position from the
// active loop's calibration data. Pass a negative position to use the
// current one.
func (c *Client) Estimate(feedback int) (*calibration.Point, error) {
	path := "/api/v1/estimate"
	if feedback >= 0 {
		path += fmt.Sprintf("?feedback=%d", feedback)
	}
	var point calibration.Point
	if err := c.get(path, &point); err != nil {
		return nil, err
	}
	return &point, nil
}

// PositionFor maps a frequency to a feedback position using the active
// loop's calibration data.
func (c *Client) PositionFor(hz float64) (int, error) {
	var resp struct {
		Feedback int `json:"feedback"`
	}
	path := "/api/v1/position?frequency_hz=" + url.QueryEscape(fmt.Sprintf("%f", hz))
	if err := c.get(path, &resp); err != nil {
		return 0, err
	}
	return resp.Feedback, nil
}

// SetMode switches the changeover relay to "radio" or "analyzer".
func (c *Client) SetMode(mode string) error {
	body := map[string]interface{}{"mode": mode}
	return c.post("/api/v1/mode", body, nil)
}

// Sweep runs one analyzer sweep. Zero arguments fall back to the
// daemon's defaults for the active loop.
func (c *Client) Sweep(startHz, stopHz float64, points int) (*SweepResult, error) {
	query := url.Values{}
	if startHz > 0 {
		query.Set("start_hz", fmt.Sprintf("%f", startHz))
	}
	if stopHz > 0 {
		query.Set("stop_hz", fmt.Sprintf("%f", stopHz))
	}
	if points > 0 {
		query.Set("points", fmt.Sprintf("%d", points))
	}

	path := "/api/v1/analyzer/sweep"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var result SweepResult
	if err := c.get(path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func directionWord(forward bool) string {
	if forward {
		return "forward"
	}
	return "reverse"
}
