package deploy

import (
	"fmt"

	"github.com/banksean/testbed"
)

// Binding pairs one admitted service replica with the node it will run on.
type Binding struct {
	Service testbed.Service
	Node    testbed.Node
}

// CheckAvailability matches every replica of every service to an idle node.
// A node matches when its architecture equals the service architecture and
// the service either names no preferred node or names exactly this one. The
// first match wins and the node leaves the idle set. If any replica finds no
// node the whole deployment fails admission and no binding is returned.
//
// The result is deterministic given the order of services and idle nodes;
// the only nondeterminism is the shuffle the ledger applies to the idle set.
// Each binding carries its own node assignment, so replicas of one service
// land on distinct nodes.
func CheckAvailability(services []testbed.Service, idle []testbed.Node) ([]Binding, error) {
	available := make([]testbed.Node, len(idle))
	copy(available, idle)
	var bindings []Binding
	for _, svc := range services {
		for replica := int64(0); replica < svc.Replicas; replica++ {
			matched := -1
			for i, node := range available {
				if node.Architecture != svc.Architecture {
					continue
				}
				if svc.PreferredNode != "" && svc.PreferredNode != node.ID {
					continue
				}
				matched = i
				break
			}
			if matched < 0 {
				return nil, fmt.Errorf("no available node for %s", svc.Name)
			}
			bound := svc
			bound.Node = available[matched].ID
			bindings = append(bindings, Binding{Service: bound, Node: available[matched]})
			available = append(available[:matched], available[matched+1:]...)
		}
	}
	return bindings, nil
}
