package log

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

func EnableDebug() {
	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// SetLevel applies a level name such as "debug" or "trace". Unknown names
// leave the level untouched.
func SetLevel(name string) {
	lvl := hclog.LevelFromString(name)
	if lvl == hclog.NoLevel {
		return
	}

	L.SetLevel(lvl)
}
