package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/config"
)

func TestBrowserFor(t *testing.T) {
	tests := []struct {
		profile  string
		platform string
	}{
		{config.BrowserMacOS, "Mac OS"},
		{config.BrowserUbuntu, "Ubuntu"},
		{config.BrowserWindows, "Windows"},
		{config.BrowserBaileys, "Baileys"},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			b := BrowserFor(tt.profile, "Desktop")
			assert.Equal(t, tt.platform, b.Platform)
			assert.Equal(t, "Desktop", b.Name)
			assert.NotEmpty(t, b.Version)
		})
	}
}

func TestBrowserFor_Appropriate(t *testing.T) {
	b := BrowserFor(config.BrowserAppropriate, "Server")
	assert.NotEmpty(t, b.Platform)
	assert.Equal(t, "Server", b.Name)
	assert.Equal(t, "Ubuntu", platformName("linux"))
	assert.Equal(t, "plan9", platformName("plan9"))
}

func TestVersion_String(t *testing.T) {
	assert.Equal(t, "2.3000.1023", Version{2, 3000, 1023}.String())
}
