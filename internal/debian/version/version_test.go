package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Version
	}{
		{"1.0", Version{Upstream: "1.0"}},
		{"1.0-1", Version{Upstream: "1.0", Revision: "1"}},
		{"2:1.0-1ubuntu1", Version{Epoch: 2, Upstream: "1.0", Revision: "1ubuntu1"}},
		{"1.0-2-3", Version{Upstream: "1.0-2", Revision: "3"}},
		{"1:2.3~rc1", Version{Epoch: 1, Upstream: "2.3~rc1"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.in, got.String())
		})
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "a:1.0", "abc", "1.0 beta", "1.0_1"} {
		_, err := Parse(in)
		require.Error(t, err, in)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.10", "1.9", 1},
		{"1.0~rc1", "1.0", -1},
		{"1.0~~", "1.0~", -1},
		{"1.0", "1.0+b1", -1},
		{"1.0a", "1.0+", -1},
		{"1:0.1", "2.0", 1},
		{"1.0-1", "1.0-2", -1},
		{"1.0-1", "1.0", 1},
		{"1.0-0", "1.0", 0},
		{"01", "1", 0},
		{"1.0.0", "1.0", 1},
		{"2.0", "10.0", -1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got, err := CompareStrings(tt.a, tt.b)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			back, err := CompareStrings(tt.b, tt.a)
			require.NoError(t, err)
			require.Equal(t, -tt.want, back)
		})
	}
}
