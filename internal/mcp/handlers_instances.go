package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/diagd/internal/session"
)

// InstancesParams takes no arguments
type InstancesParams struct{}

// InstanceView is one instance as seen by the fleet and the active session
type InstanceView struct {
	Name      string                 `json:"name"`
	Live      bool                   `json:"live"`
	Requested bool                   `json:"requested"`
	Status    session.InstanceStatus `json:"status,omitempty"`
	Errors    int                    `json:"errors,omitempty"`
}

// InstancesResult is returned by the instances tool
type InstancesResult struct {
	Self          string         `json:"self"`
	ActiveSession string         `json:"active_session,omitempty"`
	Diagnosers    []string       `json:"diagnosers"`
	Instances     []InstanceView `json:"instances"`
}

func (s *Server) handleInstances(ctx context.Context, request *mcp.CallToolRequest, params *InstancesParams) (*mcp.CallToolResult, any, error) {
	live, err := s.coord.LiveInstances(ctx)
	if err != nil {
		return nil, nil, toolError(err, "instances")
	}
	active, err := s.coord.GetActive(ctx)
	if err != nil {
		return nil, nil, toolError(err, "instances")
	}
	return nil, instancesView(s.coord.Instance(), s.coord.Diagnosers().Names(), live, active), nil
}

// instancesView merges the live fleet with the active session's instance records
func instancesView(self string, diagnosers, live []string, active *session.Session) *InstancesResult {
	res := &InstancesResult{Self: self, Diagnosers: diagnosers, Instances: []InstanceView{}}
	index := make(map[string]int)
	add := func(name string) *InstanceView {
		if i, ok := index[name]; ok {
			return &res.Instances[i]
		}
		index[name] = len(res.Instances)
		res.Instances = append(res.Instances, InstanceView{Name: name})
		return &res.Instances[len(res.Instances)-1]
	}

	for _, name := range live {
		add(name).Live = true
	}
	if active == nil {
		return res
	}
	res.ActiveSession = active.ID
	for _, name := range active.Instances {
		add(name).Requested = true
	}
	for _, ai := range active.Active {
		v := add(ai.Name)
		v.Status = ai.Status
		v.Errors = len(ai.CollectorErrors) + len(ai.AnalyzerErrors)
	}
	return res
}
