// Package deploy defines the per-store deployment contract and the
// orchestrator that fans one release out to every requested store.
package deploy

import (
	"fmt"
	"strings"
)

// Store identifies one of the four supported extension stores.
type Store string

const (
	StoreChrome  Store = "Chrome"
	StoreFirefox Store = "Firefox"
	StoreEdge    Store = "Edge"
	StoreOpera   Store = "Opera"
)

// Stores lists every supported store.
var Stores = []Store{StoreChrome, StoreFirefox, StoreEdge, StoreOpera}

// ParseStore maps a case-insensitive store name to its Store value.
func ParseStore(name string) (Store, error) {
	for _, s := range Stores {
		if strings.EqualFold(string(s), name) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unsupported store %q (supported: chrome, firefox, edge, opera)", name)
}
