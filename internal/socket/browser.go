package socket

import (
	"runtime"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/config"
)

// Browser is the identity a companion device presents: platform, browser
// or device name, and platform version.
type Browser struct {
	Platform string
	Name     string
	Version  string
}

// BrowserFor resolves a configured profile and device name to a Browser.
func BrowserFor(profile, device string) Browser {
	switch profile {
	case config.BrowserUbuntu:
		return Browser{Platform: "Ubuntu", Name: device, Version: "22.04.4"}
	case config.BrowserWindows:
		return Browser{Platform: "Windows", Name: device, Version: "10.0.22631"}
	case config.BrowserBaileys:
		return Browser{Platform: "Baileys", Name: device, Version: "6.5.0"}
	case config.BrowserAppropriate:
		return Browser{Platform: platformName(runtime.GOOS), Name: device, Version: ""}
	default:
		return Browser{Platform: "Mac OS", Name: device, Version: "14.4.1"}
	}
}

func platformName(goos string) string {
	switch goos {
	case "darwin":
		return "Mac OS"
	case "windows":
		return "Windows"
	case "linux":
		return "Ubuntu"
	default:
		return goos
	}
}
