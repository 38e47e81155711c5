package codec

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgflow/internal/api/models"
	"imgflow/internal/graph"
	"imgflow/internal/ops"
)

func sampleStore(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.NewStore(ops.DefaultRegistry)

	add := func(kind models.NodeKind, opType string) models.NodeID {
		n, err := s.AddNode(kind, opType)
		require.NoError(t, err)
		return n.ID
	}
	in := add(models.NodeKindInput, "")
	canvas := add(models.NodeKindInput, "")
	blend := add(models.NodeKindProcess, ops.OpBlend)
	erode := add(models.NodeKindProcess, ops.OpErode)
	out := add(models.NodeKindOutput, "")

	for _, e := range []models.Edge{
		{Source: in, Target: blend, TargetPort: models.PortPrimary},
		{Source: canvas, Target: blend, TargetPort: models.PortSecondary},
		{Source: blend, Target: erode, TargetPort: models.PortPrimary},
		{Source: erode, Target: out, TargetPort: models.PortPrimary},
	} {
		_, err := s.AddEdge(e)
		require.NoError(t, err)
	}

	require.NoError(t, s.SetParams(blend, ops.OpBlend, models.Params{"ratio": models.Number(0.3)}))
	require.NoError(t, s.SetParams(erode, ops.OpErode, models.Params{
		"kernelShape": models.Enum("MORPH_CROSS"),
		"anchor":      models.Record(map[string]models.ParamValue{"x": models.Number(1), "y": models.Number(-1)}),
	}))
	return s
}

func samplePayloads() map[models.NodeID]Payload {
	return map[models.NodeID]Payload{
		"1": {Image: []byte{0x89, 'P', 'N', 'G'}},
		"2": {Image: []byte("canvas")},
		"3": {Image: []byte("blended")},
		"4": {Error: "processing failure: erode failed: bad kernel"},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	g := sampleStore(t).Snapshot().Graph()

	data, err := Encode(g, samplePayloads(), ScopeAll)
	require.NoError(t, err)

	doc, err := Decode(data)
	require.NoError(t, err)

	if diff := cmp.Diff(g, doc.Graph, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(samplePayloads(), doc.Results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestCodec_EncodeIsDeterministic(t *testing.T) {
	g := sampleStore(t).Snapshot().Graph()

	// reversing the input order must not change the bytes
	reversed := graph.Graph{}
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		reversed.Nodes = append(reversed.Nodes, g.Nodes[i])
	}
	for i := len(g.Edges) - 1; i >= 0; i-- {
		reversed.Edges = append(reversed.Edges, g.Edges[i])
	}

	a, err := Encode(g, samplePayloads(), ScopeAll)
	require.NoError(t, err)
	b, err := Encode(reversed, samplePayloads(), ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCodec_Scope(t *testing.T) {
	g := sampleStore(t).Snapshot().Graph()

	tests := []struct {
		scope Scope
		want  []models.NodeID
	}{
		{ScopeAll, []models.NodeID{"1", "2", "3", "4"}},
		{ScopeInputOnly, []models.NodeID{"1", "2"}},
		{ScopeNone, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			data, err := Encode(g, samplePayloads(), tt.scope)
			require.NoError(t, err)

			doc, err := Decode(data)
			require.NoError(t, err)

			var got []models.NodeID
			for id := range doc.Results {
				got = append(got, id)
			}
			models.SortNodeIDs(got)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Encode(g, nil, Scope("some"))
	assert.Error(t, err)
}

func TestCodec_DocumentShape(t *testing.T) {
	g := sampleStore(t).Snapshot().Graph()
	data, err := Encode(g, nil, ScopeNone)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.ElementsMatch(t, []string{"nodes", "edges", "resultData", "nodeParams"}, keys(raw))
	assert.JSONEq(t, `{"3":{"ratio":0.3},"4":{"anchor":{"x":1,"y":-1},"kernelShape":"MORPH_CROSS"}}`, string(raw["nodeParams"]))
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestCodec_DecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"nodes": [`},
		{"missing nodes", `{"edges": []}`},
		{"empty id", `{"nodes": [{"id": "", "kind": "input"}]}`},
		{"unknown kind", `{"nodes": [{"id": "1", "kind": "sink"}]}`},
		{"process without op", `{"nodes": [{"id": "1", "kind": "process"}]}`},
		{"duplicate id", `{"nodes": [{"id": "1", "kind": "input"}, {"id": "1", "kind": "output"}]}`},
		{"edge to unknown node", `{"nodes": [{"id": "1", "kind": "input"}], "edges": [{"source": "1", "target": "9", "targetPort": "primary"}]}`},
		{"bad port", `{"nodes": [{"id": "1", "kind": "input"}, {"id": "2", "kind": "output"}], "edges": [{"source": "1", "target": "2", "targetPort": "left"}]}`},
		{"doubled port", `{"nodes": [{"id": "1", "kind": "input"}, {"id": "2", "kind": "input"}, {"id": "3", "kind": "output"}], "edges": [{"source": "1", "target": "3", "targetPort": "primary"}, {"source": "2", "target": "3", "targetPort": "primary"}]}`},
		{"params for unknown node", `{"nodes": [], "nodeParams": {"4": {"ratio": 1}}}`},
		{"result for unknown node", `{"nodes": [], "resultData": {"4": {"error": "x"}}}`},
		{"null param", `{"nodes": [{"id": "1", "kind": "process", "opType": "blur"}], "nodeParams": {"1": {"sigmaX": null}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrMalformedDocument)
		})
	}
}

func TestCodec_RestoreAdvancesAllocator(t *testing.T) {
	data, err := Encode(sampleStore(t).Snapshot().Graph(), nil, ScopeNone)
	require.NoError(t, err)
	doc, err := Decode(data)
	require.NoError(t, err)

	fresh := graph.NewStore(ops.DefaultRegistry)
	require.NoError(t, fresh.Restore(doc.Graph, nil))

	n, err := fresh.AddNode(models.NodeKindInput, "")
	require.NoError(t, err)
	assert.Equal(t, models.NodeID("6"), n.ID)
}
