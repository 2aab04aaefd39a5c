package bridge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Gimbal servo ranges, dictated by the device firmware.
const (
	GimbalMinX = 1024
	GimbalMaxX = 3048
	GimbalMinY = 1850
	GimbalMaxY = 2400
)

var gimbalCommandRe = regexp.MustCompile(`^Ang_X=(\d+),Ang_Y=(\d+)$`)

// GimbalCommand is a pair of servo target angles for the pan/tilt device.
type GimbalCommand struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ParseGimbalCommand parses the wire form "Ang_X=xxx,Ang_Y=yyy".
func ParseGimbalCommand(payload string) (GimbalCommand, error) {
	m := gimbalCommandRe.FindStringSubmatch(strings.TrimSpace(payload))
	if m == nil {
		return GimbalCommand{}, fmt.Errorf("malformed gimbal command %q", payload)
	}

	// The regexp guarantees digits; overflow is the only possible error.
	x, err := strconv.Atoi(m[1])
	if err != nil {
		return GimbalCommand{}, fmt.Errorf("gimbal X angle: %w", err)
	}
	y, err := strconv.Atoi(m[2])
	if err != nil {
		return GimbalCommand{}, fmt.Errorf("gimbal Y angle: %w", err)
	}

	cmd := GimbalCommand{X: x, Y: y}
	if err := cmd.Validate(); err != nil {
		return GimbalCommand{}, err
	}
	return cmd, nil
}

// Validate checks both angles against the servo ranges.
func (c GimbalCommand) Validate() error {
	if c.X < GimbalMinX || c.X > GimbalMaxX {
		return fmt.Errorf("gimbal X angle %d out of range %d-%d", c.X, GimbalMinX, GimbalMaxX)
	}
	if c.Y < GimbalMinY || c.Y > GimbalMaxY {
		return fmt.Errorf("gimbal Y angle %d out of range %d-%d", c.Y, GimbalMinY, GimbalMaxY)
	}
	return nil
}

// String renders the command back into its wire form.
func (c GimbalCommand) String() string {
	return fmt.Sprintf("Ang_X=%d,Ang_Y=%d", c.X, c.Y)
}
