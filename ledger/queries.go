package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"

	"github.com/banksean/testbed"
)

// InsertDeployment persists a deployment row with start=now, then inserts
// each of its tasks linked to the new id. Returns the assigned id.
func (s *Store) InsertDeployment(ctx context.Context, d *testbed.Deployment) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO deployments (name, owner, start) VALUES (?, ?, ?)",
		d.Name, d.Owner, now())
	if err != nil {
		return 0, fmt.Errorf("inserting deployment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inserting deployment: %w", err)
	}
	for i := range d.Tasks {
		taskID, err := s.InsertTask(ctx, &d.Tasks[i], id)
		if err != nil {
			return 0, err
		}
		d.Tasks[i].ID = taskID
		d.Tasks[i].DeploymentID = id
	}
	return id, nil
}

// InsertService persists a service row. The service must already carry its
// deployment id and node assignment.
func (s *Store) InsertService(ctx context.Context, svc *testbed.Service) (int64, error) {
	if svc.DeploymentID == 0 || svc.Node == "" {
		return 0, errors.New("ledger: service needs deployment and node before insert")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO services (name, image, deployment, node, ipv4_address, hostname, architecture, start)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.Name, svc.Image, svc.DeploymentID, svc.Node,
		nullable(svc.IPv4Address), svc.Hostname, svc.Architecture.String(), now())
	if err != nil {
		return 0, fmt.Errorf("inserting service: %w", err)
	}
	return res.LastInsertId()
}

// InsertTask persists a task row for the given deployment. The kind is
// stored as its integer ordinal.
func (s *Store) InsertTask(ctx context.Context, t *testbed.Task, deploymentID int64) (int64, error) {
	var serviceID any
	if t.ServiceID != 0 {
		serviceID = t.ServiceID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (deployment, service, type, parameters, during_deployment)
		 VALUES (?, ?, ?, ?, ?)`,
		deploymentID, serviceID, int(t.Kind), t.Parameters, t.DuringDeployment)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	return res.LastInsertId()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const serviceColumns = "id, name, image, deployment, node, start, end, ipv4_address, hostname, architecture"

func scanService(row interface{ Scan(...any) error }) (testbed.Service, error) {
	var (
		svc          testbed.Service
		start, end   sql.NullString
		ipv4, arch   sql.NullString
		nodeID, name sql.NullString
	)
	err := row.Scan(&svc.ID, &name, &svc.Image, &svc.DeploymentID, &nodeID,
		&start, &end, &ipv4, &svc.Hostname, &arch)
	if err != nil {
		return svc, err
	}
	svc.Name = name.String
	svc.Node = nodeID.String
	svc.IPv4Address = ipv4.String
	svc.Replicas = 1
	if arch.Valid {
		if parsed, err := testbed.ParseArchitecture(arch.String); err == nil {
			svc.Architecture = parsed
		}
	}
	if t := parseTime(start); t != nil {
		svc.Start = *t
	}
	svc.End = parseTime(end)
	return svc, nil
}

func (s *Store) queryServices(ctx context.Context, query string, args ...any) ([]testbed.Service, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()
	var services []testbed.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// RunningServices returns services whose end timestamp is unset.
func (s *Store) RunningServices(ctx context.Context) ([]testbed.Service, error) {
	return s.queryServices(ctx, "SELECT "+serviceColumns+" FROM services s WHERE s.end IS NULL")
}

// Services returns every service ever recorded.
func (s *Store) Services(ctx context.Context) ([]testbed.Service, error) {
	return s.queryServices(ctx, "SELECT "+serviceColumns+" FROM services s")
}

// ServicesByDeployment returns all services of one deployment.
func (s *Store) ServicesByDeployment(ctx context.Context, id int64) ([]testbed.Service, error) {
	return s.queryServices(ctx, "SELECT "+serviceColumns+" FROM services s WHERE s.deployment = ?", id)
}

// ServiceByID returns one service; with onlyActive set, only if it is still
// running. Returns ErrNotFound on a miss.
func (s *Store) ServiceByID(ctx context.Context, id int64, onlyActive bool) (testbed.Service, error) {
	query := "SELECT " + serviceColumns + " FROM services s WHERE s.id = ?"
	if onlyActive {
		query += " AND s.end IS NULL"
	}
	svc, err := scanService(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return svc, ErrNotFound
	}
	if err != nil {
		return svc, fmt.Errorf("querying service %d: %w", id, err)
	}
	return svc, nil
}

const deploymentColumns = "id, name, owner, start, end"

func scanDeployment(row interface{ Scan(...any) error }) (testbed.Deployment, error) {
	var (
		d          testbed.Deployment
		start, end sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Owner, &start, &end); err != nil {
		return d, err
	}
	if t := parseTime(start); t != nil {
		d.Start = *t
	}
	d.End = parseTime(end)
	return d, nil
}

func (s *Store) queryDeployments(ctx context.Context, query string, args ...any) ([]testbed.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()
	var deployments []testbed.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// Deployments returns every deployment ever recorded.
func (s *Store) Deployments(ctx context.Context) ([]testbed.Deployment, error) {
	return s.queryDeployments(ctx, "SELECT "+deploymentColumns+" FROM deployments d")
}

// RunningDeployments returns deployments whose end timestamp is unset, each
// hydrated with its tasks.
func (s *Store) RunningDeployments(ctx context.Context) ([]testbed.Deployment, error) {
	deployments, err := s.queryDeployments(ctx, "SELECT "+deploymentColumns+" FROM deployments d WHERE d.end IS NULL")
	if err != nil {
		return nil, err
	}
	for i := range deployments {
		tasks, err := s.TasksByDeployment(ctx, deployments[i].ID)
		if err != nil {
			return nil, err
		}
		deployments[i].Tasks = tasks
	}
	return deployments, nil
}

// DeploymentByID returns one deployment; with onlyActive set, only if it is
// still running. Returns ErrNotFound on a miss.
func (s *Store) DeploymentByID(ctx context.Context, id int64, onlyActive bool) (testbed.Deployment, error) {
	query := "SELECT " + deploymentColumns + " FROM deployments d WHERE d.id = ?"
	if onlyActive {
		query += " AND d.end IS NULL"
	}
	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("querying deployment %d: %w", id, err)
	}
	return d, nil
}

// TasksByDeployment returns all tasks of one deployment.
func (s *Store) TasksByDeployment(ctx context.Context, id int64) ([]testbed.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, deployment, service, type, parameters, during_deployment, start, end FROM tasks t WHERE t.deployment = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()
	var tasks []testbed.Task
	for rows.Next() {
		var (
			task       testbed.Task
			serviceID  sql.NullInt64
			kind       int
			start, end sql.NullString
		)
		if err := rows.Scan(&task.ID, &task.DeploymentID, &serviceID, &kind,
			&task.Parameters, &task.DuringDeployment, &start, &end); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		task.Kind = testbed.TaskKindFromInt(kind)
		task.ServiceID = serviceID.Int64
		task.Start = parseTime(start)
		task.End = parseTime(end)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// EndService stamps a service's end timestamp.
func (s *Store) EndService(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE services SET end = ? WHERE id = ?", now(), id)
	if err != nil {
		return fmt.Errorf("ending service %d: %w", id, err)
	}
	return nil
}

// EndDeployment stamps a deployment's end timestamp.
func (s *Store) EndDeployment(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE deployments SET end = ? WHERE id = ?", now(), id)
	if err != nil {
		return fmt.Errorf("ending deployment %d: %w", id, err)
	}
	return nil
}

// EndTask stamps a task's end timestamp and marks it executed.
func (s *Store) EndTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE tasks SET end = ?, executed = 1 WHERE id = ?", now(), id)
	if err != nil {
		return fmt.Errorf("ending task %d: %w", id, err)
	}
	return nil
}

// IdleNodes filters candidates down to nodes not currently hosting a running
// service. The result is shuffled so that ties between equally suitable
// nodes break pseudo-randomly.
func (s *Store) IdleNodes(ctx context.Context, candidates []testbed.Node) ([]testbed.Node, error) {
	running, err := s.RunningServices(ctx)
	if err != nil {
		return nil, err
	}
	busy := map[string]bool{}
	for _, svc := range running {
		busy[svc.Node] = true
	}
	idle := make([]testbed.Node, 0, len(candidates))
	for _, node := range candidates {
		if !busy[node.ID] {
			idle = append(idle, node)
		}
	}
	rand.Shuffle(len(idle), func(i, j int) {
		idle[i], idle[j] = idle[j], idle[i]
	})
	return idle, nil
}
