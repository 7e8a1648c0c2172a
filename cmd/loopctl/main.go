package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/magloop/loopd/pkg/client"
)

var (
	serverURL = flag.String("server", "http://localhost:8080", "loopd server URL")
	version   = flag.Bool("version", false, "Show version information")
)

const (
	Version = "0.1.0-dev"
	Build   = "development"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("loopctl version %s (%s)\n", Version, Build)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		showHelp()
		return
	}

	c := client.New(*serverURL)

	if err := runCommand(c, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(c *client.Client, command string, args []string) error {
	switch command {
	case "status":
		return cmdStatus(c)
	case "configure":
		if err := c.Configure(); err != nil {
			return err
		}
		fmt.Println("Configure started")
		return nil
	case "calibrate":
		return cmdCalibrate(c, args)
	case "tune":
		return cmdTune(c, args)
	case "move":
		return cmdMove(c, args)
	case "nudge":
		return cmdNudge(c, args)
	case "run":
		return cmdRun(c, args)
	case "stop":
		if err := c.Stop(); err != nil {
			return err
		}
		fmt.Println("Stopped")
		return nil
	case "abort":
		if err := c.Abort(); err != nil {
			return err
		}
		fmt.Println("Aborted")
		return nil
	case "speed":
		return cmdSpeed(c, args)
	case "limits":
		return cmdLimits(c, args)
	case "loops":
		return cmdLoops(c)
	case "loop":
		return cmdLoop(c, args)
	case "sets":
		return cmdSets(c, args)
	case "delete-set":
		return cmdDeleteSet(c, args)
	case "estimate":
		return cmdEstimate(c, args)
	case "position":
		return cmdPosition(c, args)
	case "mode":
		return cmdMode(c, args)
	case "sweep":
		return cmdSweep(c, args)
	case "help":
		showHelp()
		return nil
	default:
		showHelp()
		return fmt.Errorf("unknown command %q", command)
	}
}

func cmdStatus(c *client.Client) error {
	status, err := c.Status()
	if err != nil {
		return err
	}

	online := "offline"
	if status.Online {
		online = "online"
	}
	fmt.Printf("Controller:   %s\n", online)
	fmt.Printf("Activity:     %s\n", status.Activity)

	if status.Feedback >= 0 {
		if status.PercentKnown {
			fmt.Printf("Position:     %d (%.2f%%)\n", status.Feedback, status.Percent)
		} else {
			fmt.Printf("Position:     %d\n", status.Feedback)
		}
	} else {
		fmt.Printf("Position:     unknown\n")
	}

	if status.Configured {
		fmt.Printf("Travel:       %d to %d\n", status.Home, status.Max)
	} else {
		fmt.Printf("Travel:       not configured\n")
	}

	fmt.Printf("Speed:        %d\n", status.Speed)
	fmt.Printf("Active loop:  %d\n", status.ActiveLoop)
	fmt.Printf("Relay:        %s\n", status.RelayMode)

	if status.EstimateKnown {
		fmt.Printf("Resonance:    %s (SWR %.2f)\n", formatFrequency(status.EstimatedHz), status.EstimatedSWR)
	}

	if status.LastError != "" {
		fmt.Printf("Last error:   %s\n", status.LastError)
	} else if status.LastActivity != "idle" {
		fmt.Printf("Last done:    %s\n", status.LastActivity)
	}

	return nil
}

func cmdCalibrate(c *client.Client, args []string) error {
	loopID := 0
	name := ""
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid loop id %q", args[0])
		}
		loopID = parsed
	}
	if len(args) > 1 {
		name = strings.Join(args[1:], " ")
	}

	if err := c.Calibrate(loopID, name); err != nil {
		return err
	}
	fmt.Println("Calibration started (use 'status' to follow progress)")
	return nil
}

func cmdTune(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tune <frequency> [loop]")
	}

	hz, err := parseFrequency(args[0])
	if err != nil {
		return err
	}

	loopID := 0
	if len(args) > 1 {
		loopID, err = strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid loop id %q", args[1])
		}
	}

	if err := c.Tune(loopID, hz); err != nil {
		return err
	}
	fmt.Printf("Tuning to %s\n", formatFrequency(hz))
	return nil
}

func cmdMove(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: move <position|percent%%>")
	}

	arg := args[0]
	if strings.HasSuffix(arg, "%") {
		percent, err := strconv.ParseFloat(strings.TrimSuffix(arg, "%"), 64)
		if err != nil {
			return fmt.Errorf("invalid percent %q", arg)
		}
		if err := c.MoveToPercent(percent); err != nil {
			return err
		}
		fmt.Printf("Moving to %.2f%%\n", percent)
		return nil
	}

	feedback, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("invalid position %q", arg)
	}
	if err := c.MoveTo(feedback); err != nil {
		return err
	}
	fmt.Printf("Moving to %d\n", feedback)
	return nil
}

func cmdNudge(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: nudge <fwd|rev>")
	}

	forward, err := parseDirection(args[0])
	if err != nil {
		return err
	}
	if err := c.Nudge(forward); err != nil {
		return err
	}
	fmt.Println("Nudged")
	return nil
}

func cmdRun(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: run <fwd|rev> [ms]")
	}

	forward, err := parseDirection(args[0])
	if err != nil {
		return err
	}

	if len(args) > 1 {
		ms, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration %q", args[1])
		}
		if err := c.MoveTimed(forward, ms); err != nil {
			return err
		}
		fmt.Printf("Running for %d ms\n", ms)
		return nil
	}

	if err := c.Run(forward); err != nil {
		return err
	}
	fmt.Println("Running (use 'stop' to end)")
	return nil
}

func cmdSpeed(c *client.Client, args []string) error {
	if len(args) == 0 {
		speed, err := c.Speed()
		if err != nil {
			return err
		}
		fmt.Printf("Speed: %d\n", speed)
		return nil
	}

	speed, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid speed %q", args[0])
	}
	if err := c.SetSpeed(speed); err != nil {
		return err
	}
	fmt.Printf("Speed set to %d\n", speed)
	return nil
}

func cmdLimits(c *client.Client, args []string) error {
	loopID := 0
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid loop id %q", args[0])
		}
		loopID = parsed
	}

	if err := c.FrequencyLimits(loopID); err != nil {
		return err
	}
	fmt.Println("Frequency limit survey started")
	return nil
}

func cmdLoops(c *client.Client) error {
	loops, err := c.Loops()
	if err != nil {
		return err
	}

	if len(loops) == 0 {
		fmt.Println("No loops")
		return nil
	}

	for _, loop := range loops {
		limits := "limits unknown"
		if loop.LowHz > 0 && loop.HighHz > 0 {
			limits = fmt.Sprintf("%s - %s", formatFrequency(loop.LowHz), formatFrequency(loop.HighHz))
		}
		fmt.Printf("%d: %-20s %-28s %d calibration set(s)\n", loop.ID, loop.Name, limits, loop.SetCount)
	}
	return nil
}

func cmdLoop(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loop <id>")
	}

	loopID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid loop id %q", args[0])
	}
	if err := c.SetActiveLoop(loopID); err != nil {
		return err
	}
	fmt.Printf("Active loop: %d\n", loopID)
	return nil
}

func cmdSets(c *client.Client, args []string) error {
	loopID := 1
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid loop id %q", args[0])
		}
		loopID = parsed
	}

	sets, err := c.Sets(loopID)
	if err != nil {
		return err
	}

	if len(sets) == 0 {
		fmt.Printf("No calibration sets for loop %d\n", loopID)
		return nil
	}

	for _, set := range sets {
		fmt.Printf("%s  %s  %-24s %d point(s)\n",
			set.ID, set.CreatedAt.Format("2006-01-02 15:04"), set.Name, len(set.Points))
	}
	return nil
}

func cmdDeleteSet(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: delete-set <id>")
	}

	if err := c.DeleteSet(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted set %s\n", args[0])
	return nil
}

func cmdEstimate(c *client.Client, args []string) error {
	feedback := -1
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid position %q", args[0])
		}
		feedback = parsed
	}

	point, err := c.Estimate(feedback)
	if err != nil {
		return err
	}
	fmt.Printf("Position %d: %s (SWR %.2f)\n", point.Position, formatFrequency(point.FrequencyHz), point.SWR)
	return nil
}

func cmdPosition(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: position <frequency>")
	}

	hz, err := parseFrequency(args[0])
	if err != nil {
		return err
	}

	feedback, err := c.PositionFor(hz)
	if err != nil {
		return err
	}
	fmt.Printf("%s maps to position %d\n", formatFrequency(hz), feedback)
	return nil
}

func cmdMode(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mode <radio|analyzer>")
	}

	if err := c.SetMode(args[0]); err != nil {
		return err
	}
	fmt.Printf("Relay: %s\n", args[0])
	return nil
}

func cmdSweep(c *client.Client, args []string) error {
	var startHz, stopHz float64
	points := 0

	var err error
	if len(args) >= 2 {
		if startHz, err = parseFrequency(args[0]); err != nil {
			return err
		}
		if stopHz, err = parseFrequency(args[1]); err != nil {
			return err
		}
	}
	if len(args) >= 3 {
		if points, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("invalid point count %q", args[2])
		}
	}

	result, err := c.Sweep(startHz, stopHz, points)
	if err != nil {
		return err
	}

	fmt.Printf("Swept %d points, %s to %s\n", len(result.Frequencies),
		formatFrequency(result.Frequencies[0]), formatFrequency(result.Frequencies[len(result.Frequencies)-1]))
	fmt.Printf("Resonance: %s (SWR %.2f)\n", formatFrequency(result.Resonance.FrequencyHz), result.Resonance.SWR)
	return nil
}

// parseDirection accepts the long and short spellings of both motor
// directions.
func parseDirection(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "forward", "fwd", "f", "up":
		return true, nil
	case "reverse", "rev", "r", "down":
		return false, nil
	}
	return false, fmt.Errorf("invalid direction %q (use fwd or rev)", s)
}

// parseFrequency accepts plain Hz ("14074000"), kHz ("14074k") or
// MHz ("14.074M").
func parseFrequency(s string) (float64, error) {
	s = strings.TrimSpace(s)
	multiplier := 1.0
	switch {
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		multiplier = 1e6
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		multiplier = 1e3
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}
	return value * multiplier, nil
}

func formatFrequency(hz float64) string {
	switch {
	case hz >= 1e6:
		return fmt.Sprintf("%.3f MHz", hz/1e6)
	case hz >= 1e3:
		return fmt.Sprintf("%.1f kHz", hz/1e3)
	default:
		return fmt.Sprintf("%.0f Hz", hz)
	}
}

func showHelp() {
	fmt.Println("loopctl - Magnetic Loop Controller Control Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command> [arguments]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -server <url>    loopd server URL (default: http://localhost:8080)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status                     Show device status")
	fmt.Println("  configure                  Find the travel anchors (home and max)")
	fmt.Println("  calibrate [loop] [name]    Calibrate a loop across its travel")
	fmt.Println("  tune <freq> [loop]         Move to the position calibrated for a frequency")
	fmt.Println("  move <pos|pct%>            Move to a feedback position or percent of travel")
	fmt.Println("  nudge <fwd|rev>            Step one increment")
	fmt.Println("  run <fwd|rev> [ms]         Run free or for a fixed number of milliseconds")
	fmt.Println("  stop                       End a free run cleanly")
	fmt.Println("  abort                      Cancel whatever is running")
	fmt.Println("  speed [0-100]              Show or set the motor speed")
	fmt.Println("  limits [loop]              Survey a loop's usable frequency range")
	fmt.Println("  loops                      List loops")
	fmt.Println("  loop <id>                  Select the active loop")
	fmt.Println("  sets [loop]                List stored calibration sets")
	fmt.Println("  delete-set <id>            Delete a calibration set")
	fmt.Println("  estimate [pos]             Estimate resonance at a position")
	fmt.Println("  position <freq>            Map a frequency to a position")
	fmt.Println("  mode <radio|analyzer>      Switch the changeover relay")
	fmt.Println("  sweep [start stop [n]]     Run an analyzer sweep")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s status\n", os.Args[0])
	fmt.Printf("  %s tune 14.074M\n", os.Args[0])
	fmt.Printf("  %s move 50%%\n", os.Args[0])
	fmt.Printf("  %s calibrate 1 \"after antenna rebuild\"\n", os.Args[0])
}
