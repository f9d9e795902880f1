package audio

import (
	"strings"

	"github.com/gordonklaus/portaudio"
)

var (
	loopbackKeywords  = []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"}
	micKeywords       = []string{"microphone", "input", "mic", "built-in"}
	preferredKeywords = []string{"macbook", "built-in"}
)

// classifyDevice reports "mic" for microphones, "loopback" for system-audio
// devices and "" for anything else.
func classifyDevice(name string) string {
	for _, kw := range loopbackKeywords {
		if containsIgnoreCase(name, kw) {
			return "loopback"
		}
	}
	for _, kw := range micKeywords {
		if containsIgnoreCase(name, kw) {
			return "mic"
		}
	}
	return ""
}

// pickInputDevice chooses the best microphone, preferring built-in ones.
// Returns nil when no named microphone is available.
func pickInputDevice(devices []*portaudio.DeviceInfo, excluded []string) *portaudio.DeviceInfo {
	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || isExcluded(dev.Name, excluded) {
			continue
		}
		if classifyDevice(dev.Name) != "mic" {
			continue
		}
		if best == nil || preferDevice(dev.Name, best.Name) {
			best = dev
		}
	}
	return best
}

func isExcluded(name string, excluded []string) bool {
	for _, ex := range excluded {
		if containsIgnoreCase(name, ex) {
			return true
		}
	}
	return false
}

func preferDevice(name, current string) bool {
	for _, p := range preferredKeywords {
		if containsIgnoreCase(name, p) && !containsIgnoreCase(current, p) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
