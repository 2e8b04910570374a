package device

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialPortProfileUUID(t *testing.T) {
	assert.Equal(t, "00001101-0000-1000-8000-00805f9b34fb", SerialPortProfileUUID.String())

	short, ok := ShortUUID(SerialPortProfileUUID)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x1101), short)
}

func TestParseServiceUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected uuid.UUID
		wantErr  bool
	}{
		{
			name:     "16-bit short form",
			input:    "1101",
			expected: SerialPortProfileUUID,
		},
		{
			name:     "16-bit short form with 0x prefix",
			input:    "0x1101",
			expected: SerialPortProfileUUID,
		},
		{
			name:     "32-bit short form",
			input:    "00001101",
			expected: SerialPortProfileUUID,
		},
		{
			name:     "full UUID upper case",
			input:    "00001101-0000-1000-8000-00805F9B34FB",
			expected: SerialPortProfileUUID,
		},
		{
			name:     "full UUID without dashes",
			input:    "0000110100001000800000805f9b34fb",
			expected: SerialPortProfileUUID,
		},
		{
			name:     "custom 128-bit UUID",
			input:    "185f3df4-3268-4e3f-9fca-d4d5059915bd",
			expected: uuid.MustParse("185f3df4-3268-4e3f-9fca-d4d5059915bd"),
		},
		{
			name:    "not hex",
			input:   "zzzz",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServiceUUID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestShortUUID_CustomUUID(t *testing.T) {
	_, ok := ShortUUID(uuid.MustParse("185f3df4-3268-4e3f-9fca-d4d5059915bd"))
	assert.False(t, ok)

	_, ok = ShortUUID(ExpandShortUUID(0x12345678))
	assert.False(t, ok, "32-bit values MUST NOT shorten to 16 bits")
}
