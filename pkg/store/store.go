// Package store provides the IO substrate of the tunnel: a registry of zone
// store drivers and the process-wide gate that rate limits and serialises
// every filesystem operation.
package store

import (
	"fmt"

	kamui "github.com/lambdaS-zh/kamui"
)

type NewStoreFunc func(workspace string, gate *Gate) (kamui.Store, error)

var AvailableStores = make(map[string]NewStoreFunc)
var ImplementedStores = []string{
	"fs",
	"memory",
}

// Register a new zone store driver type.
// This should be called inside an init() function of the driver package.
func RegisterStore(storeType string, newStore NewStoreFunc) {
	AvailableStores[storeType] = newStore
}

// Create a new zone store with given driver.
// Currently supported : fs, memory
func NewStore(storeType string, workspace string, gate *Gate) (kamui.Store, error) {
	createStore, ok := AvailableStores[storeType]
	if !ok {
		return nil, fmt.Errorf("unsupported store : %v", storeType)
	}
	return createStore(workspace, gate)
}
