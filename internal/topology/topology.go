// Package topology builds a bus topology tree from decoded Self-ID
// packets: node materialization, tree-link construction, validation, root
// and isochronous-resource-manager election, and hop-count computation
// (spec §4.5).
package topology

import (
	"fmt"

	"github.com/fw-ohci/go-ohci-core/internal/selfid"
)

// PortLinkState is the decoded 2-bit port-state code carried in Self-ID
// port fields.
type PortLinkState uint8

const (
	PortNotConnected PortLinkState = 0
	PortReserved     PortLinkState = 1
	PortParent       PortLinkState = 2
	PortChild        PortLinkState = 3
)

// Node is one materialized bus node.
type Node struct {
	PhyID          uint8
	LinkActive     bool
	Contender      bool
	PowerClass     uint8
	GapCount       uint8
	Speed          uint8
	InitiatedReset bool
	Ports          []PortLinkState

	Parent   *Node
	Children []*Node
	HopCount int
}

// Tree is the materialized, validated, elected topology for one bus
// generation.
type Tree struct {
	Generation int
	Nodes      []*Node // indexed by PhyID
	Root       *Node
	IRM        *Node
	LocalNode  *Node
	GapCount   uint8
}

// Build materializes nodes from a decoded Self-ID result, wires parent/
// child links from port states, validates the result (exactly one root,
// every parent/child edge reciprocated, plausible edge count), elects
// root and isochronous resource manager, and computes hop counts from the
// local node. The caller reads localPhyID from the NodeID register; Build
// takes no bus number.
func Build(result selfid.Result, localPhyID uint8) (*Tree, error) {
	if !result.Valid {
		return nil, fmt.Errorf("topology: cannot build from invalid Self-ID result: %s", result.ErrorReason)
	}

	nodes := make([]*Node, len(result.Packets))
	for i, pkt := range result.Packets {
		if int(pkt.PhyID) != i {
			return nil, fmt.Errorf("topology: Self-ID packet out of order: phyID %d at index %d", pkt.PhyID, i)
		}
		states := make([]PortLinkState, len(pkt.PortStates))
		for j, s := range pkt.PortStates {
			states[j] = PortLinkState(s)
		}
		nodes[i] = &Node{
			PhyID:          pkt.PhyID,
			LinkActive:     pkt.LinkActive,
			Contender:      pkt.Contender,
			PowerClass:     pkt.PowerClass,
			GapCount:       pkt.GapCount,
			Speed:          pkt.Speed,
			InitiatedReset: pkt.InitiatedReset,
			Ports:          states,
		}
	}

	if err := linkTree(nodes); err != nil {
		return nil, err
	}

	root, err := findRoot(nodes)
	if err != nil {
		return nil, err
	}

	local := findByPhyID(nodes, localPhyID)
	if local == nil {
		return nil, fmt.Errorf("topology: local PHY ID %d not present in Self-ID set", localPhyID)
	}

	computeHopCounts(local)

	irm := electIRM(nodes, root)

	return &Tree{
		Generation: int(result.Generation),
		Nodes:      nodes,
		Root:       root,
		IRM:        irm,
		LocalNode:  local,
		GapCount:   electGapCount(nodes),
	}, nil
}

// linkTree wires parent/child edges from port states. Self-ID numbering
// guarantees a node's parent, if any, was enumerated before it (lower
// PhyID), so a single forward pass with a pending-children stack per node
// is sufficient: each PortParent entry on node i claims the next
// not-yet-claimed higher-numbered node as a child in enumeration order.
func linkTree(nodes []*Node) error {
	next := 0
	for i := range nodes {
		n := nodes[i]
		for _, port := range n.Ports {
			if port != PortParent {
				continue
			}
			if next <= i {
				next = i + 1
			}
			if next >= len(nodes) {
				return fmt.Errorf("topology: node %d claims a child port but no node remains to link", n.PhyID)
			}
			child := nodes[next]
			if child.Parent != nil {
				return fmt.Errorf("topology: node %d already has a parent, cannot also link to %d", child.PhyID, n.PhyID)
			}
			child.Parent = n
			n.Children = append(n.Children, child)
			next++
		}
	}

	// Validate reciprocity and edge count: every non-root node has
	// exactly one parent, and the number of edges is exactly
	// len(nodes)-1 for a connected tree.
	edges := 0
	for _, n := range nodes {
		if n.Parent != nil {
			edges++
		}
	}
	if len(nodes) > 0 && edges != len(nodes)-1 {
		return fmt.Errorf("topology: edge count %d inconsistent with %d nodes (expected a connected tree)", edges, len(nodes))
	}
	return nil
}

// findRoot returns the single node with no parent; more or fewer than one
// such node is a validation failure (spec §4.5: "exactly one root").
func findRoot(nodes []*Node) (*Node, error) {
	var root *Node
	for _, n := range nodes {
		if n.Parent == nil {
			if root != nil {
				return nil, fmt.Errorf("topology: multiple root candidates: %d and %d", root.PhyID, n.PhyID)
			}
			root = n
		}
	}
	if root == nil {
		return nil, fmt.Errorf("topology: no root found among %d nodes", len(nodes))
	}
	return root, nil
}

func findByPhyID(nodes []*Node, phyID uint8) *Node {
	for _, n := range nodes {
		if n.PhyID == phyID {
			return n
		}
	}
	return nil
}

// computeHopCounts runs a breadth-first walk from local outward along
// both parent and child edges (the topology tree is undirected for
// distance purposes) and records the hop distance on every reachable
// node.
func computeHopCounts(local *Node) {
	local.HopCount = 0
	visited := map[*Node]bool{local: true}
	frontier := []*Node{local}
	depth := 0
	for len(frontier) > 0 {
		depth++
		var next []*Node
		for _, n := range frontier {
			neighbors := append([]*Node{}, n.Children...)
			if n.Parent != nil {
				neighbors = append(neighbors, n.Parent)
			}
			for _, nb := range neighbors {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				nb.HopCount = depth
				next = append(next, nb)
			}
		}
		frontier = next
	}
}

// electIRM picks the isochronous resource manager: the highest-PhyID
// contender-capable, link-active leaf-or-branch node, falling back to the
// root when no node declares itself a contender (spec §4.5).
func electIRM(nodes []*Node, root *Node) *Node {
	var irm *Node
	for _, n := range nodes {
		if !n.LinkActive || !n.Contender {
			continue
		}
		if irm == nil || n.PhyID > irm.PhyID {
			irm = n
		}
	}
	if irm == nil {
		return root
	}
	return irm
}

// electGapCount returns the maximum gap count reported across all nodes,
// the value software must reprogram into every node's PHY register 1 when
// it diverges from what Self-ID data now implies.
func electGapCount(nodes []*Node) uint8 {
	var max uint8
	for _, n := range nodes {
		if n.GapCount > max {
			max = n.GapCount
		}
	}
	return max
}
