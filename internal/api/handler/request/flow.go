package request

import "imgflow/internal/api/models"

type CreateFlowDTO struct {
	Name string `json:"name" validate:"required,max=200"`
}

type AddNodeDTO struct {
	Kind   models.NodeKind `json:"kind" validate:"required,oneof=input output process"`
	OpType string          `json:"opType" validate:"required_if=Kind process,excluded_unless=Kind process"`
}

type AddEdgeDTO struct {
	Source     models.NodeID `json:"source" validate:"required"`
	Target     models.NodeID `json:"target" validate:"required"`
	TargetPort models.Port   `json:"targetPort" validate:"omitempty,oneof=primary secondary"`
}

// SetParamsDTO carries a partial update; keys not present keep their value.
type SetParamsDTO struct {
	OpType string        `json:"opType" validate:"required"`
	Params models.Params `json:"params" validate:"required"`
}
