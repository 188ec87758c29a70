package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via PAGEKV_DEBUG in the environment
	Debug bool
	// Set via PAGEKV_NOREUSE in the environment
	NoReuse bool
	// Set via PAGEKV_NOOFFLOAD in the environment
	NoOffload bool
	// Set via PAGEKV_COPYQUEUE in the environment
	CopyQueueDepth int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"PAGEKV_DEBUG":     {"PAGEKV_DEBUG", Debug, "Show additional debug information (e.g. PAGEKV_DEBUG=1)"},
		"PAGEKV_NOREUSE":   {"PAGEKV_NOREUSE", NoReuse, "Do not index released blocks for prefix reuse"},
		"PAGEKV_NOOFFLOAD": {"PAGEKV_NOOFFLOAD", NoOffload, "Do not onboard offloaded blocks to the primary tier"},
		"PAGEKV_COPYQUEUE": {"PAGEKV_COPYQUEUE", CopyQueueDepth, "Depth of the block copy queue (default 64)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	// default values
	CopyQueueDepth = 64

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("PAGEKV_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if noreuse := clean("PAGEKV_NOREUSE"); noreuse != "" {
		NoReuse = true
	}

	if nooffload := clean("PAGEKV_NOOFFLOAD"); nooffload != "" {
		NoOffload = true
	}

	if depth := clean("PAGEKV_COPYQUEUE"); depth != "" {
		d, err := strconv.Atoi(depth)
		if err != nil || d <= 0 {
			slog.Error("invalid setting must be greater than zero", "PAGEKV_COPYQUEUE", depth, "error", err)
		} else {
			CopyQueueDepth = d
		}
	}
}
