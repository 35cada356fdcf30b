package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	r, err := NewDefaultResolver()
	require.NoError(t, err)
	require.NotZero(t, r.Len())

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "marketing name", input: "iPhone 14 Pro", want: "iPhone15,2"},
		{name: "case insensitive", input: "iphone 14 pro", want: "iPhone15,2"},
		{name: "extra whitespace", input: "  iPhone  11 ", want: "iPhone12,1"},
		{name: "identifier passthrough", input: "iPhone12,1", want: "iPhone12,1"},
		{name: "identifier case restored", input: "iphone15,2", want: "iPhone15,2"},
		{name: "unknown identifier passthrough", input: "iPhone99,9", want: "iPhone99,9"},
		{name: "ipad marketing name", input: "iPad mini (6th generation)", want: "iPad14,1"},
		{name: "unknown name", input: "iToaster Pro", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsUnknownDevice(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_ManyToOne(t *testing.T) {
	r := NewResolver([]Mapping{
		{MarketingName: "iPhone SE (2nd generation)", Identifier: "iPhone12,8"},
		{MarketingName: "iPhone SE 2", Identifier: "iPhone12,8"},
	})

	for _, input := range []string{"iPhone SE (2nd generation)", "iPhone SE 2"} {
		got, err := r.Resolve(input)
		require.NoError(t, err)
		assert.Equal(t, "iPhone12,8", got)
	}

	name, ok := r.MarketingName("iPhone12,8")
	require.True(t, ok)
	assert.Equal(t, "iPhone SE (2nd generation)", name)
}

func TestResolver_UnknownDeviceError(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve("iPhone 14 Pro")
	require.Error(t, err)
	assert.EqualError(t, err, `unknown device "iPhone 14 Pro"`)
}
