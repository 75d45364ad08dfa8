package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},

		// decimal
		{"1KB", 1000, false},
		{"1.5MB", 1500000, false},
		{"40GB", 40000000000, false},
		{"1TB", 1000000000000, false},

		// binary
		{"1K", 1024, false},
		{"1.5KiB", 1536, false},
		{"2MiB", 2097152, false},
		{"1G", 1073741824, false},
		{"1TiB", 1099511627776, false},

		{"1gib", 1073741824, false},
		{" 100 MB ", 100000000, false},

		{"", 0, true},
		{"invalid", 0, true},
		{"GB", 0, true},
		{"1.2.3GB", 0, true},
		{"1XB", 0, true},
		{"-1GB", 0, true},
		{"-5", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1048576, "1 MB"},
		{2097152, "2 MB"},
		{1610612736, "1.5 GB"},
		{1099511627776, "1 TB"},
		{-1, "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.input))
		})
	}
}

func TestDataSize_Unmarshal(t *testing.T) {
	var fromYAML struct {
		A DataSize `yaml:"a"`
		B DataSize `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 4096\nb: 2MiB\n"), &fromYAML))
	assert.Equal(t, DataSize(4096), fromYAML.A)
	assert.Equal(t, DataSize(2097152), fromYAML.B)

	var fromJSON struct {
		A DataSize `json:"a"`
		B DataSize `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 4096, "b": "1KB"}`), &fromJSON))
	assert.Equal(t, DataSize(4096), fromJSON.A)
	assert.Equal(t, DataSize(1000), fromJSON.B)

	assert.Error(t, yaml.Unmarshal([]byte("a: lots\n"), &fromYAML))
	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &fromJSON))
}
