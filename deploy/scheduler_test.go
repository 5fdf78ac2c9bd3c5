package deploy

import (
	"testing"

	"github.com/banksean/testbed"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func nodesForTest() []testbed.Node {
	return []testbed.Node{
		{ID: "a1", Architecture: testbed.ARM64},
		{ID: "a2", Architecture: testbed.ARM64},
		{ID: "x1", Architecture: testbed.X86},
	}
}

func TestCheckAvailabilityMatchesArchitecture(t *testing.T) {
	services := []testbed.Service{
		{Name: "web", Replicas: 1, Architecture: testbed.ARM64},
		{Name: "win", Replicas: 1, Architecture: testbed.X86},
	}
	bindings, err := CheckAvailability(services, nodesForTest())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("bindings: got %d, want 2", len(bindings))
	}
	if bindings[0].Node.ID != "a1" {
		t.Errorf("web landed on %s, want a1", bindings[0].Node.ID)
	}
	if bindings[1].Node.ID != "x1" {
		t.Errorf("win landed on %s, want x1", bindings[1].Node.ID)
	}
	if bindings[0].Service.Node != "a1" {
		t.Errorf("binding service node not recorded: %+v", bindings[0].Service)
	}
}

func TestCheckAvailabilityIsDeterministic(t *testing.T) {
	services := []testbed.Service{
		{Name: "web", Replicas: 2, Architecture: testbed.ARM64},
		{Name: "win", Replicas: 1, Architecture: testbed.X86},
	}
	first, err := CheckAvailability(services, nodesForTest())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	second, err := CheckAvailability(services, nodesForTest())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreUnexported(testbed.PowerActions{})); diff != "" {
		t.Errorf("replaying the same input changed the bindings:\n%s", diff)
	}
}

func TestCheckAvailabilityReplicasLandOnDistinctNodes(t *testing.T) {
	services := []testbed.Service{{Name: "web", Replicas: 2, Architecture: testbed.ARM64}}
	bindings, err := CheckAvailability(services, nodesForTest())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("bindings: got %d, want 2", len(bindings))
	}
	if bindings[0].Service.Node == bindings[1].Service.Node {
		t.Errorf("both replicas bound to %s", bindings[0].Service.Node)
	}
}

func TestCheckAvailabilityFailsWithoutMatchingNode(t *testing.T) {
	services := []testbed.Service{{Name: "win", Replicas: 1, Architecture: testbed.X86}}
	idle := []testbed.Node{{ID: "a1", Architecture: testbed.ARM32}}
	if _, err := CheckAvailability(services, idle); err == nil {
		t.Fatal("expected admission to fail")
	}
}

func TestCheckAvailabilityHonorsPreferredNode(t *testing.T) {
	services := []testbed.Service{{Name: "web", Replicas: 1, Architecture: testbed.ARM64, PreferredNode: "a2"}}
	bindings, err := CheckAvailability(services, nodesForTest())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if bindings[0].Node.ID != "a2" {
		t.Errorf("preferred node ignored, landed on %s", bindings[0].Node.ID)
	}
}

func TestCheckAvailabilityPreferredNodeArchMismatchFails(t *testing.T) {
	services := []testbed.Service{{Name: "web", Replicas: 1, Architecture: testbed.ARM64, PreferredNode: "x1"}}
	if _, err := CheckAvailability(services, nodesForTest()); err == nil {
		t.Fatal("expected admission to fail for a mismatched preferred node")
	}
}

func TestCheckAvailabilityZeroReplicas(t *testing.T) {
	services := []testbed.Service{{Name: "web", Replicas: 0, Architecture: testbed.ARM64}}
	bindings, err := CheckAvailability(services, nodesForTest())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if len(bindings) != 0 {
		t.Errorf("zero replicas should bind nothing, got %+v", bindings)
	}
}
