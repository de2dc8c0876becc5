package transport

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrAttributeNotFound is returned for unknown objects or attributes.
var ErrAttributeNotFound = errors.New("attribute not found")

// AttributeSource resolves attribute reads for the management server.
type AttributeSource interface {
	Attribute(object, attribute string) (any, error)
}

// RuntimeAttributes exposes Go runtime statistics of the serving process under
// the objects runtime:type=Memory, runtime:type=Threading and
// runtime:type=Runtime.
type RuntimeAttributes struct {
	started time.Time
}

// NewRuntimeAttributes returns a RuntimeAttributes whose uptime starts now.
func NewRuntimeAttributes() *RuntimeAttributes {
	return &RuntimeAttributes{started: time.Now()}
}

func (r *RuntimeAttributes) Attribute(object, attribute string) (any, error) {
	var v any
	switch object {
	case "runtime:type=Memory":
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		switch attribute {
		case "HeapAlloc":
			v = ms.HeapAlloc
		case "HeapInuse":
			v = ms.HeapInuse
		case "Sys":
			v = ms.Sys
		case "TotalAlloc":
			v = ms.TotalAlloc
		case "NumGC":
			v = ms.NumGC
		}
	case "runtime:type=Threading":
		switch attribute {
		case "NumGoroutine":
			v = runtime.NumGoroutine()
		case "GOMAXPROCS":
			v = runtime.GOMAXPROCS(0)
		case "NumCPU":
			v = runtime.NumCPU()
		}
	case "runtime:type=Runtime":
		switch attribute {
		case "Version":
			v = runtime.Version()
		case "Uptime":
			v = time.Since(r.started).Seconds()
		}
	}
	if v == nil {
		return nil, fmt.Errorf("%s#%s: %w", object, attribute, ErrAttributeNotFound)
	}
	return v, nil
}
