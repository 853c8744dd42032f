package edge

import (
	"expvar"
	"fmt"
)

// getVarInt returns an *expvar.Int with the given path, creating it if it
// doesn't exist yet.
func getVarInt(base, id, name string) *expvar.Int {
	fullname := fmt.Sprintf("edge.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// getVarMap returns an *expvar.Map with the given path, creating it if it
// doesn't exist yet.
func getVarMap(base, id, name string) *expvar.Map {
	fullname := fmt.Sprintf("edge.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}
