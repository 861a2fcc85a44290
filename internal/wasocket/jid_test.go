package wasocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "phone number with plus",
			input: "+1234567890",
			want:  "1234567890@s.whatsapp.net",
		},
		{
			name:  "phone number without plus",
			input: "1234567890",
			want:  "1234567890@s.whatsapp.net",
		},
		{
			name:  "phone number with spaces and dashes",
			input: "+1-234-567 890",
			want:  "1234567890@s.whatsapp.net",
		},
		{
			name:  "already a JID",
			input: "1234567890@s.whatsapp.net",
			want:  "1234567890@s.whatsapp.net",
		},
		{
			name:  "group JID",
			input: "1234567890-1234567890@g.us",
			want:  "1234567890-1234567890@g.us",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "no digits",
			input:   "+--",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRecipient(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRecipient)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseGroupJID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "valid group JID",
			input: "1234567890-1234567890@g.us",
			want:  "1234567890-1234567890@g.us",
		},
		{
			name:    "non-group JID should error",
			input:   "1234567890@s.whatsapp.net",
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGroupJID(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidGroup)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestPhoneDigits(t *testing.T) {
	assert.Equal(t, "5511999999999", PhoneDigits("+55 (11) 99999-9999"))
}
