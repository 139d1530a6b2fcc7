package vpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathOf(t *testing.T) {
	tests := []struct {
		name    string
		tier    Tier
		file    string
		want    string
		wantErr bool
	}{
		{name: "tier root", tier: Ephemeral, file: "", want: "/ephemeral"},
		{name: "ephemeral file", tier: Ephemeral, file: "clip.mp4", want: "/ephemeral/clip.mp4"},
		{name: "permanent file", tier: Permanent, file: "clip.mp4", want: "/permanent/clip.mp4"},
		{name: "leading delimiter stripped", tier: Permanent, file: "/clip.mp4", want: "/permanent/clip.mp4"},
		{name: "unknown tier", tier: Tier("scratch"), file: "clip.mp4", wantErr: true},
		{name: "empty tier", tier: Tier(""), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PathOf(tt.tier, tt.file)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTierOf_PathOfRoundTrip(t *testing.T) {
	names := []string{"a", "clip.mp4", "1700000000000_v1.eyJ9.mp4", "with space.mov", "ünïcode"}
	for _, tier := range Tiers {
		for _, name := range names {
			p, err := PathOf(tier, name)
			require.NoError(t, err)

			got, ok := TierOf(p)
			assert.True(t, ok, p)
			assert.Equal(t, tier, got, p)
		}
	}
}

func TestTierOf_Rejects(t *testing.T) {
	rejected := []string{
		"",
		"/",
		"/ephemeral",
		"/ephemeral/",
		"/permanent/a/b",
		"/permanent/a/",
		"/scratch/a",
		"ephemeral/a",
		"//ephemeral/a",
		"/EPHEMERAL/a",
		"/ephemeral/..",
		"/ephemeral/.",
	}
	for _, p := range rejected {
		t.Run(p, func(t *testing.T) {
			_, ok := TierOf(p)
			assert.False(t, ok)
			assert.False(t, IsSupported(p))
		})
	}
}

func TestSplit(t *testing.T) {
	tier, name, ok := Split("/permanent/clip.mp4")
	require.True(t, ok)
	assert.Equal(t, Permanent, tier)
	assert.Equal(t, "clip.mp4", name)
}

func TestParseTier(t *testing.T) {
	tier, ok := ParseTier("permanent")
	assert.True(t, ok)
	assert.Equal(t, Permanent, tier)

	_, ok = ParseTier("tmp")
	assert.False(t, ok)
}

func TestNameOf(t *testing.T) {
	assert.Equal(t, "clip.mp4", NameOf("/ephemeral/clip.mp4"))
	assert.Equal(t, "clip.mp4", NameOf("clip.mp4"))
}

func TestMustPathOf_Panics(t *testing.T) {
	assert.Panics(t, func() { MustPathOf(Tier("nope"), "x") })
	assert.Equal(t, "/ephemeral/x", MustPathOf(Ephemeral, "x"))
}
