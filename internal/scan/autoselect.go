package scan

import (
	"strings"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
)

// rearCameraKeywords match labels of back-facing cameras across platforms.
var rearCameraKeywords = []string{"back", "rear", "environment"}

// autoSelect picks the device whose label looks like a rear camera
// (case-insensitive substring match), falling back to the first device.
// Returns "" for an empty device list.
func autoSelect(devices []domain.CaptureDevice) string {
	if len(devices) == 0 {
		return ""
	}
	for _, d := range devices {
		label := strings.ToLower(d.Label)
		for _, keyword := range rearCameraKeywords {
			if strings.Contains(label, keyword) {
				return d.ID
			}
		}
	}
	return devices[0].ID
}

func containsDevice(devices []domain.CaptureDevice, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
