package httpserver

import "sync/atomic"

// Draining flips /health to 503 so load balancers pull the node before the
// listener closes.
var draining atomic.Bool

func SetDraining(on bool) { draining.Store(on) }
func IsDraining() bool    { return draining.Load() }
