package discovery

import (
	"fmt"
	"sort"

	"github.com/atvirokodosprendimai/ctldisco/pkg/overlay"
)

// Endpoint is one address at which a peer offers the service
type Endpoint struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s)", e.Name, e.Address)
}

// ComputeEndpoints builds the endpoint list for service from a peer snapshot.
// Every (peer name, address) pair appears once, ordered by address and then
// by name.
func ComputeEndpoints(peers []*overlay.Peer, service string) []Endpoint {
	set := make(map[Endpoint]struct{})
	for _, peer := range peers {
		for _, address := range peer.Services[service] {
			set[Endpoint{Name: peer.Name, Address: address}] = struct{}{}
		}
	}

	endpoints := make([]Endpoint, 0, len(set))
	for endpoint := range set {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].Address != endpoints[j].Address {
			return endpoints[i].Address < endpoints[j].Address
		}
		return endpoints[i].Name < endpoints[j].Name
	})
	return endpoints
}

// Contains reports whether endpoints holds e
func Contains(endpoints []Endpoint, e Endpoint) bool {
	for _, candidate := range endpoints {
		if candidate == e {
			return true
		}
	}
	return false
}
