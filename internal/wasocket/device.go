package wasocket

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/socket"
)

// platformType maps a browser or device name to the companion platform
// WhatsApp shows in the linked devices list.
func platformType(name string) waCompanionReg.DeviceProps_PlatformType {
	switch strings.ToLower(name) {
	case "chrome":
		return waCompanionReg.DeviceProps_CHROME
	case "firefox":
		return waCompanionReg.DeviceProps_FIREFOX
	case "safari":
		return waCompanionReg.DeviceProps_SAFARI
	case "edge":
		return waCompanionReg.DeviceProps_EDGE
	case "opera":
		return waCompanionReg.DeviceProps_OPERA
	case "desktop", "":
		return waCompanionReg.DeviceProps_DESKTOP
	default:
		return waCompanionReg.DeviceProps_UNKNOWN
	}
}

// parseOSVersion reads up to three dot separated numbers. Missing or
// malformed parts are zero.
func parseOSVersion(v string) [3]uint32 {
	var out [3]uint32
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			continue
		}
		out[i] = uint32(n)
	}
	return out
}

// pairClientName is the display string sent with a phone pairing request.
func pairClientName(b socket.Browser) string {
	return fmt.Sprintf("%s (%s)", b.Name, b.Platform)
}

// applyBrowser sets the process wide companion identity. whatsmeow keeps it
// in package state, so only one session per process is supported.
func applyBrowser(b socket.Browser) {
	store.SetOSInfo(b.Platform, parseOSVersion(b.Version))
	store.DeviceProps.PlatformType = platformType(b.Name).Enum()
}

// applyVersion overrides the protocol version presented to the server.
func applyVersion(v *socket.Version) {
	if v == nil {
		return
	}
	store.SetWAVersion(store.WAVersionContainer(*v))
}

// ResolveVersion asks the WhatsApp web endpoint for the current protocol
// version. On failure it returns the built in version with isLatest false.
func ResolveVersion(ctx context.Context) (socket.Version, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	latest, err := whatsmeow.GetLatestVersion(ctx, http.DefaultClient)
	if err != nil {
		return socket.Version(store.GetWAVersion()), false, fmt.Errorf("failed to fetch latest version: %w", err)
	}
	return socket.Version(*latest), true, nil
}

var _ socket.VersionResolver = ResolveVersion
