package logging

import (
	"runtime"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLevels(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	require.NoError(t, Setup("warn"))
	assert.Equal(t, log.WarnLevel, log.GetLevel())

	require.NoError(t, Setup("debug"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	require.NoError(t, Setup("info"))
	assert.Error(t, Setup("loud"))
}

func TestPrettyCaller(t *testing.T) {
	_, file := prettyCaller(&runtime.Frame{File: "/src/holechat/stun/stun.go", Line: 42})
	assert.Equal(t, "[stun:42     ]", file)

	_, file = prettyCaller(&runtime.Frame{File: "/x/a_very_long_file_name.go", Line: 1234})
	assert.Equal(t, "[a_very_long_file_name:1234]", file)
}
