package topology

import (
	"testing"

	"github.com/fw-ohci/go-ohci-core/internal/selfid"
)

// threeNodeChain builds phy0 -- phy1 -- phy2, with phy1 as root (parent of
// both 0 and 2 is impossible in a real chain topology, so this models a
// 3-node line: 0 is a leaf child of 1, 1 is root, 2 is a leaf child of 1).
func threeNodeChain() selfid.Result {
	return selfid.Result{
		Generation: 3,
		Valid:      true,
		Packets: []selfid.Packet{
			{PhyID: 0, LinkActive: true, Contender: true, PortStates: []uint8{uint8(PortParent)}},
			{PhyID: 1, LinkActive: true, Contender: true, PortStates: []uint8{uint8(PortChild), uint8(PortChild)}},
			{PhyID: 2, LinkActive: true, Contender: false, PortStates: []uint8{uint8(PortParent)}},
		},
	}
}

func TestBuildLinksParentChildAndFindsRoot(t *testing.T) {
	tree, err := Build(threeNodeChain(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tree.Root.PhyID != 1 {
		t.Fatalf("expected root phyID 1, got %d", tree.Root.PhyID)
	}
	if tree.Nodes[0].Parent != tree.Root || tree.Nodes[2].Parent != tree.Root {
		t.Fatal("expected nodes 0 and 2 to be children of root")
	}
	if len(tree.Root.Children) != 2 {
		t.Fatalf("expected root to have 2 children, got %d", len(tree.Root.Children))
	}
}

func TestBuildComputesHopCountsFromLocalNode(t *testing.T) {
	tree, err := Build(threeNodeChain(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tree.LocalNode.PhyID != 0 {
		t.Fatalf("expected local node phyID 0, got %d", tree.LocalNode.PhyID)
	}
	if tree.Nodes[0].HopCount != 0 {
		t.Fatalf("local node hop count should be 0, got %d", tree.Nodes[0].HopCount)
	}
	if tree.Nodes[1].HopCount != 1 {
		t.Fatalf("expected root hop count 1, got %d", tree.Nodes[1].HopCount)
	}
	if tree.Nodes[2].HopCount != 2 {
		t.Fatalf("expected far leaf hop count 2, got %d", tree.Nodes[2].HopCount)
	}
}

func TestBuildElectsIRMByHighestContenderPhyID(t *testing.T) {
	tree, err := Build(threeNodeChain(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// node 2 is not a contender, so the IRM must be the highest
	// contender-capable node: phyID 1 (root).
	if tree.IRM.PhyID != 1 {
		t.Fatalf("expected IRM phyID 1, got %d", tree.IRM.PhyID)
	}
}

func TestBuildRejectsMultipleRoots(t *testing.T) {
	result := selfid.Result{
		Generation: 1,
		Valid:      true,
		Packets: []selfid.Packet{
			{PhyID: 0, PortStates: []uint8{uint8(PortNotConnected)}},
			{PhyID: 1, PortStates: []uint8{uint8(PortNotConnected)}},
		},
	}
	if _, err := Build(result, 0); err == nil {
		t.Fatal("expected an error for two parentless nodes")
	}
}

func TestBuildRejectsMissingLocalPhyID(t *testing.T) {
	if _, err := Build(threeNodeChain(), 9); err == nil {
		t.Fatal("expected an error when local PHY ID is not present")
	}
}

func TestElectGapCountPicksMaximum(t *testing.T) {
	nodes := []*Node{{GapCount: 5}, {GapCount: 0x3F}, {GapCount: 12}}
	if got := electGapCount(nodes); got != 0x3F {
		t.Fatalf("got %d want 0x3F", got)
	}
}
