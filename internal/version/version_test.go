package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromSettings(t *testing.T) {
	assert.Equal(t, "nathole version unknown", fromSettings("nathole", nil))

	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.modified", Value: "false"},
	}
	assert.Equal(t, "nathole version devel 0123456", fromSettings("nathole", settings))

	settings[1].Value = "true"
	assert.Equal(t, "nathole-server version devel 0123456 (modified)", fromSettings("nathole-server", settings))

	short := []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}
	assert.Equal(t, "nathole version devel abc", fromSettings("nathole", short))
}
