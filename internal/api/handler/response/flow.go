package response

import (
	"encoding/json"
	"time"

	"imgflow/internal/api/models"
)

type FlowResponse struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type NodeResponse struct {
	ID     models.NodeID   `json:"id"`
	Kind   models.NodeKind `json:"kind"`
	OpType string          `json:"opType,omitempty"`
	Params models.Params   `json:"params"`
}

type ResultResponse struct {
	Digest   string          `json:"digest,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type GraphResponse struct {
	FlowID  uint                             `json:"flowId"`
	Nodes   []NodeResponse                   `json:"nodes"`
	Edges   []models.Edge                    `json:"edges"`
	Results map[models.NodeID]ResultResponse `json:"results"`
}

type EdgeResponse struct {
	Edge     models.Edge  `json:"edge"`
	Replaced *models.Edge `json:"replaced,omitempty"`
}

type CodeResponse struct {
	Language string `json:"language"`
	Source   string `json:"source"`
}
