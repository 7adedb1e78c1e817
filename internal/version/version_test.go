package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{}
	info.Main.Version = "v0.3.0"
	info.Settings = []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abc1234def5678"},
		{Key: "vcs.modified", Value: "false"},
	}
	v := fromBuildInfo(info)
	assert.Equal(t, "v0.3.0+abc1234", v.String())
	assert.Equal(t, "abc1234def5678", v.Commit)
}

func TestFromBuildInfoDirty(t *testing.T) {
	info := &debug.BuildInfo{}
	info.Main.Version = "v0.3.0"
	info.Settings = []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abc1234def5678"},
		{Key: "vcs.modified", Value: "true"},
	}
	assert.Equal(t, "v0.3.0+abc1234-dirty", fromBuildInfo(info).String())
}

func TestFromBuildInfoNoVCS(t *testing.T) {
	info := &debug.BuildInfo{}
	v := fromBuildInfo(info)
	assert.Equal(t, "(devel)", v.String())
	assert.Empty(t, v.Commit)
}
