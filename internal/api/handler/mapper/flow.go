package mapper

import (
	"imgflow/internal/api/handler/request"
	"imgflow/internal/api/handler/response"
	"imgflow/internal/api/models"
	"imgflow/internal/graph"
)

// FlowMapper converts between flow DTOs and the domain types.
type FlowMapper interface {
	ToFlowResponses(entities []models.Flow) []response.FlowResponse
	ToFlowResponse(f models.Flow) response.FlowResponse
	ToNodeResponse(n models.Node) response.NodeResponse
	ToResultResponse(r models.ResultEntry) response.ResultResponse
	ToGraphResponse(flowID uint, snap *graph.Snapshot) response.GraphResponse

	// Request mapping
	ToEdge(req request.AddEdgeDTO) models.Edge
}

func NewFlowMapper() FlowMapper {
	return FlowMapperImpl{}
}

type FlowMapperImpl struct{}

func (m FlowMapperImpl) ToFlowResponses(entities []models.Flow) []response.FlowResponse {
	responses := make([]response.FlowResponse, len(entities))
	for i, e := range entities {
		responses[i] = m.ToFlowResponse(e)
	}
	return responses
}

func (m FlowMapperImpl) ToFlowResponse(f models.Flow) response.FlowResponse {
	return response.FlowResponse{
		ID:        f.ID,
		Name:      f.Name,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

func (m FlowMapperImpl) ToNodeResponse(n models.Node) response.NodeResponse {
	params := n.Params.Clone()
	if params == nil {
		params = models.Params{}
	}
	return response.NodeResponse{
		ID:     n.ID,
		Kind:   n.Kind,
		OpType: n.OpType,
		Params: params,
	}
}

func (m FlowMapperImpl) ToResultResponse(r models.ResultEntry) response.ResultResponse {
	return response.ResultResponse{
		Digest:   r.Digest,
		Error:    r.Err,
		Metadata: r.Metadata,
	}
}

func (m FlowMapperImpl) ToGraphResponse(flowID uint, snap *graph.Snapshot) response.GraphResponse {
	out := response.GraphResponse{
		FlowID:  flowID,
		Nodes:   make([]response.NodeResponse, 0, snap.Len()),
		Edges:   snap.Edges(),
		Results: make(map[models.NodeID]response.ResultResponse),
	}
	for _, n := range snap.Nodes() {
		out.Nodes = append(out.Nodes, m.ToNodeResponse(n))
	}
	for id, r := range snap.Results() {
		out.Results[id] = m.ToResultResponse(r)
	}
	if out.Edges == nil {
		out.Edges = []models.Edge{}
	}
	return out
}

// ToEdge defaults an omitted port to primary.
func (m FlowMapperImpl) ToEdge(req request.AddEdgeDTO) models.Edge {
	port := req.TargetPort
	if port == "" {
		port = models.PortPrimary
	}
	return models.Edge{Source: req.Source, Target: req.Target, TargetPort: port}
}
