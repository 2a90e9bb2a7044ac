package telldus

import (
	"regexp"
	"strconv"
)

// Device method bitmask. A device's methods field is the union of these.
const (
	MethodOn         = 1
	MethodOff        = 2
	MethodBell       = 4
	MethodToggle     = 8
	MethodDim        = 16
	MethodLearn      = 32
	MethodExecute    = 64
	MethodUp         = 128
	MethodDown       = 256
	MethodStop       = 512
	MethodRGB        = 1024
	MethodThermostat = 2048
)

// MethodAll is every method flag the engine knows about.
const MethodAll = MethodOn | MethodOff | MethodBell | MethodToggle | MethodDim |
	MethodLearn | MethodExecute | MethodUp | MethodDown | MethodStop |
	MethodRGB | MethodThermostat

// DecomposeMethods splits a methods bitmask into its individual flags by
// greedy largest-power-of-two subtraction. Flags come back largest first.
func DecomposeMethods(mask int) []int {
	var flags []int
	for bit := MethodThermostat; bit >= MethodOn; bit >>= 1 {
		if mask >= bit {
			flags = append(flags, bit)
			mask -= bit
		}
	}
	return flags
}

// HasMethod reports whether mask includes the given method flag.
func HasMethod(mask, method int) bool {
	for _, f := range DecomposeMethods(mask) {
		if f == method {
			return true
		}
	}
	return false
}

// DimLevel maps a dim percentage (0-100) to the device byte range 0-255.
// The mapping is linear: 0% -> 0, 100% -> 255.
func DimLevel(percent int) int {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return 255
	}
	return (percent*255 + 50) / 100
}

var deviceNotFoundRe = regexp.MustCompile(`(?i)^device "(-?\d+)" not found!$`)

// DeviceNotFound reports whether a command error payload names a device
// that no longer exists, and if so which one.
func DeviceNotFound(errMsg string) (int64, bool) {
	m := deviceNotFoundRe.FindStringSubmatch(errMsg)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
