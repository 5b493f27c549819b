// Package can holds the registry of [canspi.Bus] backends.
// Backends register themselves from an init function, import them
// for their side effect :
//
//	import _ "github.com/samsamfire/canspi/pkg/can/spican"
package can

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samsamfire/canspi"
)

type NewInterfaceFunc func(channel string) (canspi.Bus, error)

var (
	registryMu        sync.RWMutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// Create a new CAN bus with given interface.
// The meaning of channel depends on the interface e.g. "can0" for socketcan
// or a configuration file for mcp2515.
func NewBus(canInterface string, channel string) (canspi.Bus, error) {
	registryMu.RLock()
	createInterface, ok := interfaceRegistry[canInterface]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v (available : %v)", canInterface, AvailableInterfaces())
	}
	return createInterface(channel)
}

// AvailableInterfaces lists the registered interface types, sorted
func AvailableInterfaces() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
