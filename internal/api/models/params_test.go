package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamValue_DecodeVariants(t *testing.T) {
	var params Params
	err := json.Unmarshal([]byte(`{
		"threshold": 100,
		"useOtsu": true,
		"method": "THRESH_BINARY_INV",
		"color": [255, 0, 12],
		"anchor": {"x": -1, "y": -1}
	}`), &params)
	require.NoError(t, err)

	assert.Equal(t, ParamNumber, params["threshold"].Kind())
	assert.Equal(t, 100, params["threshold"].Int())
	assert.True(t, params["useOtsu"].Bool())
	assert.Equal(t, "THRESH_BINARY_INV", params["method"].Enum())
	assert.Equal(t, [3]uint8{255, 0, 12}, params["color"].Color())

	x, ok := params["anchor"].Field("x")
	require.True(t, ok)
	assert.Equal(t, -1.0, x.Number())
	assert.Equal(t, []string{"x", "y"}, params["anchor"].FieldNames())
}

func TestParamValue_RejectsBadShapes(t *testing.T) {
	cases := map[string]string{
		"null":        `null`,
		"short color": `[1, 2]`,
		"big color":   `[1, 2, 300]`,
		"frac color":  `[1, 2.5, 3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var v ParamValue
			assert.Error(t, json.Unmarshal([]byte(raw), &v))
		})
	}
}

func TestParams_MergeIsLastWriteWins(t *testing.T) {
	base := Params{"threshold": Number(128), "useOtsu": Bool(false)}
	merged := base.Merge(Params{"threshold": Number(100)})

	assert.Equal(t, 100.0, merged["threshold"].Number())
	assert.False(t, merged["useOtsu"].Bool())
	assert.Equal(t, 128.0, base["threshold"].Number(), "merge must not mutate the receiver")
}

func TestParams_MergeKeepsRecordFields(t *testing.T) {
	base := Params{"anchor": Record(map[string]ParamValue{"x": Number(-1), "y": Number(-1)})}
	merged := base.Merge(Params{"anchor": Record(map[string]ParamValue{"x": Number(2)})})

	want := Record(map[string]ParamValue{"x": Number(2), "y": Number(-1)})
	assert.True(t, merged["anchor"].Equal(want), merged["anchor"].String())

	y, _ := base["anchor"].Field("x")
	assert.Equal(t, -1.0, y.Number(), "merge must not mutate the receiver")

	replaced := base.Merge(Params{"anchor": Number(3)})
	assert.Equal(t, ParamNumber, replaced["anchor"].Kind())
}

func TestParamValue_EqualRecords(t *testing.T) {
	a := Record(map[string]ParamValue{"x": Number(1), "y": Number(2)})
	b := Record(map[string]ParamValue{"y": Number(2), "x": Number(1)})
	c := Record(map[string]ParamValue{"x": Number(1)})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, Number(1).Equal(Bool(true)))
}

func TestNodeID_Less(t *testing.T) {
	ids := []NodeID{"10", "b", "2", "a", "1"}
	SortNodeIDs(ids)
	assert.Equal(t, []NodeID{"1", "2", "10", "a", "b"}, ids)
}
