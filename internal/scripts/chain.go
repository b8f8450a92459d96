package scripts

import (
	"errors"
	"fmt"
)

var (
	// ErrCyclicChain reports a scripted event chain that loops back on itself.
	ErrCyclicChain = errors.New("scripted event chain is cyclic")
	// ErrBrokenChain reports a next pointer to a node that does not exist.
	ErrBrokenChain = errors.New("scripted event chain references a missing node")
)

// Flatten walks the chain starting at headID and returns it as a slice.
func Flatten(headID int64, nodes map[int64]ScriptedEvent) ([]ScriptedEvent, error) {
	seen := make(map[int64]struct{})
	var chain []ScriptedEvent

	for id := &headID; id != nil; {
		if _, dup := seen[*id]; dup {
			return nil, fmt.Errorf("%w: node %d revisited", ErrCyclicChain, *id)
		}
		seen[*id] = struct{}{}

		node, ok := nodes[*id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrBrokenChain, *id)
		}
		chain = append(chain, node)
		id = node.NextID
	}
	return chain, nil
}
