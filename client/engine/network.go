package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

type NetworkKind string

const (
	NetworkNone     NetworkKind = "none"
	NetworkWifi     NetworkKind = "wifi"
	NetworkEthernet NetworkKind = "ethernet"
	NetworkCellular NetworkKind = "cellular"
)

// NetworkMonitor reports the kind of network the device is currently on.
type NetworkMonitor interface {
	Current(ctx context.Context) NetworkKind
}

// ParseNetworkKind accepts the names of the NetworkKind constants, case-insensitively.
func ParseNetworkKind(s string) (NetworkKind, error) {
	switch k := NetworkKind(strings.ToLower(strings.TrimSpace(s))); k {
	case NetworkNone, NetworkWifi, NetworkEthernet, NetworkCellular:
		return k, nil
	}
	return "", fmt.Errorf("unknown network kind %#v", s)
}

// StaticNetwork is a NetworkMonitor whose answer can be changed at any time.
type StaticNetwork struct {
	kind atomic.Value
}

func NewStaticNetwork(kind NetworkKind) *StaticNetwork {
	n := &StaticNetwork{}
	n.Set(kind)
	return n
}

func (n *StaticNetwork) Set(kind NetworkKind) {
	n.kind.Store(kind)
}

func (n *StaticNetwork) Current(context.Context) NetworkKind {
	return n.kind.Load().(NetworkKind)
}

// EnvNetwork reads $PIXISYNC_NETWORK on every call, defaulting to ethernet. Desktop hosts have no
// portable way to tell a metered link apart, so this lets the user (or a script) declare it.
type EnvNetwork struct{}

func (EnvNetwork) Current(context.Context) NetworkKind {
	v := os.Getenv("PIXISYNC_NETWORK")
	if v == "" {
		return NetworkEthernet
	}
	kind, err := ParseNetworkKind(v)
	if err != nil {
		return NetworkEthernet
	}
	return kind
}
