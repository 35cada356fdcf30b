package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArtifactKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want Artifact
	}{
		{
			name: "single device",
			key:  "iPhone15,2_17.4_21E219_Restore.ipsw",
			want: Artifact{
				Key:               "iPhone15,2_17.4_21E219_Restore.ipsw",
				DeviceIdentifiers: []string{"iPhone15,2"},
				OSVersion:         "17.4",
				BuildID:           "21E219",
			},
		},
		{
			name: "multi device bundle",
			key:  "iPhone12,3,iPhone12,5_14.5_18E199_Restore.ipsw",
			want: Artifact{
				Key:               "iPhone12,3,iPhone12,5_14.5_18E199_Restore.ipsw",
				DeviceIdentifiers: []string{"iPhone12,3", "iPhone12,5"},
				OSVersion:         "14.5",
				BuildID:           "18E199",
			},
		},
		{
			name: "nested key keeps full path",
			key:  "firmware/ios/iPhone14,7_16.1_20B82_Restore.ipsw",
			want: Artifact{
				Key:               "firmware/ios/iPhone14,7_16.1_20B82_Restore.ipsw",
				DeviceIdentifiers: []string{"iPhone14,7"},
				OSVersion:         "16.1",
				BuildID:           "20B82",
			},
		},
		{
			name: "architecture suffix token",
			key:  "iPhone15,2_17.4_21E219_arm64e_Restore.ipsw",
			want: Artifact{
				Key:               "iPhone15,2_17.4_21E219_arm64e_Restore.ipsw",
				DeviceIdentifiers: []string{"iPhone15,2"},
				OSVersion:         "17.4",
				BuildID:           "21E219",
				Architecture:      "arm64e",
			},
		},
		{
			name: "patch version",
			key:  "iPad14,1_16.7.8_20H343_Restore.ipsw",
			want: Artifact{
				Key:               "iPad14,1_16.7.8_20H343_Restore.ipsw",
				DeviceIdentifiers: []string{"iPad14,1"},
				OSVersion:         "16.7.8",
				BuildID:           "20H343",
			},
		},
		{
			name: "unparseable name flagged for review",
			key:  "latest-firmware-backup.ipsw",
			want: Artifact{Key: "latest-firmware-backup.ipsw", NeedsReview: true},
		},
		{
			name: "device list not identifier shaped",
			key:  "iPhone 15 Pro_17.4_21E219_Restore.ipsw",
			want: Artifact{Key: "iPhone 15 Pro_17.4_21E219_Restore.ipsw", NeedsReview: true},
		},
		{
			name: "bad version segment",
			key:  "iPhone15,2_seventeen_21E219_Restore.ipsw",
			want: Artifact{Key: "iPhone15,2_seventeen_21E219_Restore.ipsw", NeedsReview: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseArtifactKey(tt.key)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseArtifactKey_NeverGuesses(t *testing.T) {
	a := ParseArtifactKey("mystery.ipsw")
	require.True(t, a.NeedsReview)
	assert.Empty(t, a.DeviceIdentifiers)
	assert.Empty(t, a.OSVersion)
	assert.Empty(t, a.BuildID)
}

func TestArtifact_Lists(t *testing.T) {
	a := ParseArtifactKey("iPhone12,3,iPhone12,5_14.5_18E199_Restore.ipsw")
	assert.True(t, a.Lists("iPhone12,3"))
	assert.True(t, a.Lists("iPhone12,5"))
	assert.False(t, a.Lists("iPhone12,1"))
}
