package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/banksean/testbed"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "testbed.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertDeploymentWithTasks(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	deployment := testbed.NewDeployment("stack", "alice")
	deployment.Tasks = []testbed.Task{{
		Kind:             testbed.TaskStopIfTrue,
		Parameters:       testbed.EncodeStopCondition("done", 1),
		DuringDeployment: true,
	}}
	id, err := store.InsertDeployment(ctx, &deployment)
	if err != nil {
		t.Fatalf("InsertDeployment: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a nonzero deployment id")
	}
	tasks, err := store.TasksByDeployment(ctx, id)
	if err != nil {
		t.Fatalf("TasksByDeployment: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks: got %d, want 1", len(tasks))
	}
	if tasks[0].Kind != testbed.TaskStopIfTrue || !tasks[0].DuringDeployment {
		t.Errorf("task round trip wrong: %+v", tasks[0])
	}
}

func TestServiceLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	deployment := testbed.NewDeployment("stack", "alice")
	deploymentID, err := store.InsertDeployment(ctx, &deployment)
	if err != nil {
		t.Fatalf("InsertDeployment: %v", err)
	}
	svc := testbed.NewService("web", "webimage", "h1")
	svc.DeploymentID = deploymentID
	svc.Node = "n1"
	svc.Architecture = testbed.ARM64
	svc.IPv4Address = "10.0.0.11"
	serviceID, err := store.InsertService(ctx, &svc)
	if err != nil {
		t.Fatalf("InsertService: %v", err)
	}

	running, err := store.RunningServices(ctx)
	if err != nil {
		t.Fatalf("RunningServices: %v", err)
	}
	if len(running) != 1 || running[0].ID != serviceID {
		t.Fatalf("running services wrong: %+v", running)
	}
	if running[0].Architecture != testbed.ARM64 {
		t.Errorf("architecture round trip: got %s", running[0].Architecture)
	}
	if running[0].End != nil {
		t.Error("running service must have no end timestamp")
	}

	if err := store.EndService(ctx, serviceID); err != nil {
		t.Fatalf("EndService: %v", err)
	}
	running, err = store.RunningServices(ctx)
	if err != nil {
		t.Fatalf("RunningServices: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("ended service still listed as running: %+v", running)
	}
	ended, err := store.ServiceByID(ctx, serviceID, false)
	if err != nil {
		t.Fatalf("ServiceByID: %v", err)
	}
	if ended.End == nil {
		t.Error("end timestamp not stamped")
	}
	if _, err := store.ServiceByID(ctx, serviceID, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("active lookup of ended service: got %v, want ErrNotFound", err)
	}
}

func TestInsertServiceRequiresBinding(t *testing.T) {
	store := openStore(t)
	svc := testbed.NewService("web", "webimage", "h1")
	if _, err := store.InsertService(context.Background(), &svc); err == nil {
		t.Fatal("expected an error for a service without deployment and node")
	}
}

func TestRunningDeploymentsHydratesTasks(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	deployment := testbed.NewDeployment("stack", "alice")
	deployment.Tasks = []testbed.Task{{Kind: testbed.TaskNoOp, Parameters: "{}"}}
	id, err := store.InsertDeployment(ctx, &deployment)
	if err != nil {
		t.Fatalf("InsertDeployment: %v", err)
	}
	running, err := store.RunningDeployments(ctx)
	if err != nil {
		t.Fatalf("RunningDeployments: %v", err)
	}
	if len(running) != 1 || len(running[0].Tasks) != 1 {
		t.Fatalf("hydration wrong: %+v", running)
	}
	if err := store.EndDeployment(ctx, id); err != nil {
		t.Fatalf("EndDeployment: %v", err)
	}
	running, err = store.RunningDeployments(ctx)
	if err != nil {
		t.Fatalf("RunningDeployments: %v", err)
	}
	if len(running) != 0 {
		t.Error("ended deployment still running")
	}
	if _, err := store.DeploymentByID(ctx, id, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("active lookup of ended deployment: got %v, want ErrNotFound", err)
	}
}

func TestEndTaskMarksExecuted(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	deployment := testbed.NewDeployment("stack", "alice")
	id, err := store.InsertDeployment(ctx, &deployment)
	if err != nil {
		t.Fatalf("InsertDeployment: %v", err)
	}
	task := testbed.Task{Kind: testbed.TaskGetResults, Parameters: "{}"}
	taskID, err := store.InsertTask(ctx, &task, id)
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if err := store.EndTask(ctx, taskID); err != nil {
		t.Fatalf("EndTask: %v", err)
	}
	tasks, err := store.TasksByDeployment(ctx, id)
	if err != nil {
		t.Fatalf("TasksByDeployment: %v", err)
	}
	if tasks[0].End == nil {
		t.Error("task end timestamp not stamped")
	}
	var executed bool
	if err := store.db.QueryRowContext(ctx, "SELECT executed FROM tasks WHERE id = ?", taskID).Scan(&executed); err != nil {
		t.Fatalf("reading executed flag: %v", err)
	}
	if !executed {
		t.Error("task not marked executed")
	}
}

func TestIdleNodes(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	nodes := []testbed.Node{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}}

	deployment := testbed.NewDeployment("stack", "alice")
	deploymentID, err := store.InsertDeployment(ctx, &deployment)
	if err != nil {
		t.Fatalf("InsertDeployment: %v", err)
	}
	svc := testbed.NewService("web", "webimage", "h1")
	svc.DeploymentID = deploymentID
	svc.Node = "n2"
	svc.Architecture = testbed.ARM64
	if _, err := store.InsertService(ctx, &svc); err != nil {
		t.Fatalf("InsertService: %v", err)
	}

	idle, err := store.IdleNodes(ctx, nodes)
	if err != nil {
		t.Fatalf("IdleNodes: %v", err)
	}
	if len(idle) != 2 {
		t.Fatalf("idle nodes: got %d, want 2", len(idle))
	}
	for _, node := range idle {
		if node.ID == "n2" {
			t.Error("busy node n2 listed as idle")
		}
	}
}
