package envconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	Debug = false // Reset whatever was loaded in init()
	t.Setenv("PAGEKV_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("PAGEKV_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("PAGEKV_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)

	NoReuse = false
	t.Setenv("PAGEKV_NOREUSE", "1")
	LoadConfig()
	require.True(t, NoReuse)
}

func TestCopyQueueDepth(t *testing.T) {
	CopyQueueDepth = 64
	t.Setenv("PAGEKV_COPYQUEUE", "not a number")
	LoadConfig()
	require.Equal(t, 64, CopyQueueDepth)

	t.Setenv("PAGEKV_COPYQUEUE", "256")
	LoadConfig()
	require.Equal(t, 256, CopyQueueDepth)
}
