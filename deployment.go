package testbed

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Service is one unit of deployment: an image to run on a replica count of
// nodes. The node assignment is made at admission; the architecture is filled
// in from the image manifest if the deployment file leaves it unset.
type Service struct {
	ID            int64        `json:"id,omitempty"`
	Name          string       `json:"name"`
	Image         string       `json:"image"`
	Hostname      string       `json:"hostname"`
	Replicas      int64        `json:"replicas"`
	DeploymentID  int64        `json:"deployment,omitempty"`
	IPv4Address   string       `json:"ipv4_address,omitempty"`
	PreferredNode string       `json:"preferred_node,omitempty"`
	Node          string       `json:"node,omitempty"`
	Architecture  Architecture `json:"architecture,omitempty"`
	Start         time.Time    `json:"start"`
	End           *time.Time   `json:"end,omitempty"`
}

// NewService returns a single-replica service started now.
func NewService(name, image, hostname string) Service {
	return Service{
		Name:     name,
		Image:    image,
		Hostname: hostname,
		Replicas: 1,
		Start:    time.Now().UTC(),
	}
}

// GroupServices collapses services sharing (image, deployment) into one row
// whose replica count is the group size. Used by the grouped service listing.
func GroupServices(services []Service) []Service {
	var order []string
	groups := map[string][]Service{}
	for _, svc := range services {
		key := fmt.Sprintf("%s-%d", svc.Image, svc.DeploymentID)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], svc)
	}
	out := make([]Service, 0, len(order))
	for _, key := range order {
		group := groups[key]
		first := group[0]
		first.Replicas = int64(len(group))
		out = append(out, first)
	}
	return out
}

// Deployment is a named group of services submitted together, plus the tasks
// attached to it. The id is assigned by the ledger at admission time.
type Deployment struct {
	ID       int64      `json:"id,omitempty"`
	Name     string     `json:"name"`
	Owner    string     `json:"owner"`
	Services []Service  `json:"services"`
	Tasks    []Task     `json:"tasks"`
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
}

// NewDeployment returns an empty deployment owned by owner, started now.
func NewDeployment(name, owner string) Deployment {
	return Deployment{Name: name, Owner: owner, Start: time.Now().UTC()}
}

type serviceYAML struct {
	Image       string `yaml:"image"`
	Hostname    string `yaml:"hostname"`
	Replicas    int64  `yaml:"replicas"`
	Node        string `yaml:"node"`
	IPv4Address string `yaml:"ipv4-address"`
}

type stopLogYAML struct {
	Message    string `yaml:"message"`
	Occurrence int64  `yaml:"occurrence"`
}

type deploymentYAML struct {
	Services yaml.Node `yaml:"services"`
	Stop     struct {
		Log []stopLogYAML `yaml:"log"`
	} `yaml:"stop"`
}

// ParseDeployment decodes a deployment file. Services keep their declaration
// order, which is also their provisioning order. A service without a hostname
// gets a random one; a missing replica count defaults to 1.
func ParseDeployment(name, owner string, data []byte) (Deployment, error) {
	var file deploymentYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Deployment{}, fmt.Errorf("parsing deployment file: %w", err)
	}
	deployment := NewDeployment(name, owner)
	if file.Services.Kind != 0 {
		if file.Services.Kind != yaml.MappingNode {
			return Deployment{}, fmt.Errorf("parsing deployment file: services must be a mapping")
		}
		for i := 0; i+1 < len(file.Services.Content); i += 2 {
			var svcName string
			if err := file.Services.Content[i].Decode(&svcName); err != nil {
				return Deployment{}, fmt.Errorf("parsing service name: %w", err)
			}
			var raw serviceYAML
			if err := file.Services.Content[i+1].Decode(&raw); err != nil {
				return Deployment{}, fmt.Errorf("parsing service %s: %w", svcName, err)
			}
			if raw.Image == "" {
				return Deployment{}, fmt.Errorf("service %s has no image", svcName)
			}
			if raw.Hostname == "" {
				raw.Hostname = RandomName()
			}
			if raw.Replicas == 0 {
				raw.Replicas = 1
			}
			svc := NewService(svcName, raw.Image, raw.Hostname)
			svc.Replicas = raw.Replicas
			svc.PreferredNode = raw.Node
			svc.IPv4Address = raw.IPv4Address
			deployment.Services = append(deployment.Services, svc)
		}
	}
	for _, cond := range file.Stop.Log {
		deployment.Tasks = append(deployment.Tasks, Task{
			Kind:             TaskStopIfTrue,
			Parameters:       EncodeStopCondition(cond.Message, cond.Occurrence),
			DuringDeployment: true,
		})
	}
	return deployment, nil
}
