package log

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name: "meridian",
	})
	L.SetLevel(hclog.Info)

	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// Named returns a sub-logger of L for one component.
func Named(name string) hclog.Logger {
	return L.Named(name)
}
