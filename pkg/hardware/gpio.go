package hardware

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/magloop/loopd/pkg/logging"
)

const sysfsGPIO = "/sys/class/gpio"

// LinuxGPIO implements GPIOInterface over the sysfs GPIO tree.
type LinuxGPIO struct {
	mu       sync.Mutex
	exported map[int]string // pin -> direction
}

// NewLinuxGPIO creates a sysfs GPIO backend.
func NewLinuxGPIO() *LinuxGPIO {
	return &LinuxGPIO{exported: make(map[int]string)}
}

// Initialize verifies the sysfs GPIO tree is present.
func (g *LinuxGPIO) Initialize() error {
	if _, err := os.Stat(sysfsGPIO); os.IsNotExist(err) {
		return fmt.Errorf("GPIO not available on this system")
	}
	return nil
}

// Close unexports every pin this backend touched.
func (g *LinuxGPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for pin := range g.exported {
		if err := writeAttr(sysfsGPIO+"/unexport", strconv.Itoa(pin)); err != nil {
			logging.Warnf("gpio", "Failed to unexport pin %d: %v", pin, err)
		}
	}
	g.exported = make(map[int]string)
	return nil
}

// SetPin drives an output pin high or low.
func (g *LinuxGPIO) SetPin(pin int, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.preparePin(pin, "out"); err != nil {
		return err
	}

	level := "0"
	if value {
		level = "1"
	}
	if err := writeAttr(pinPath(pin, "value"), level); err != nil {
		return fmt.Errorf("failed to set pin %d: %w", pin, err)
	}
	return nil
}

// GetPin reads a pin level.
func (g *LinuxGPIO) GetPin(pin int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.preparePin(pin, "in"); err != nil {
		return false, err
	}

	data, err := os.ReadFile(pinPath(pin, "value"))
	if err != nil {
		return false, fmt.Errorf("failed to read pin %d: %w", pin, err)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// preparePin exports a pin and sets its direction once. Callers hold
// the lock.
func (g *LinuxGPIO) preparePin(pin int, direction string) error {
	if g.exported[pin] == direction {
		return nil
	}

	dirPath := fmt.Sprintf("%s/gpio%d", sysfsGPIO, pin)
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		if err := writeAttr(sysfsGPIO+"/export", strconv.Itoa(pin)); err != nil {
			return fmt.Errorf("failed to export pin %d: %w", pin, err)
		}

		// The kernel creates the pin directory asynchronously
		appeared := false
		for i := 0; i < 10; i++ {
			if _, err := os.Stat(dirPath); err == nil {
				appeared = true
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if !appeared {
			return fmt.Errorf("pin %d did not appear after export", pin)
		}
		logging.Debugf("gpio", "Exported pin %d", pin)
	}

	if err := writeAttr(pinPath(pin, "direction"), direction); err != nil {
		return fmt.Errorf("failed to set pin %d direction: %w", pin, err)
	}

	g.exported[pin] = direction
	return nil
}

func pinPath(pin int, attr string) string {
	return fmt.Sprintf("%s/gpio%d/%s", sysfsGPIO, pin, attr)
}

func writeAttr(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}
