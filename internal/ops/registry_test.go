package ops

import (
	"testing"

	"imgflow/internal/api/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LookupUnknown(t *testing.T) {
	_, err := DefaultRegistry.Lookup("sharpen")
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestRegistry_Arity(t *testing.T) {
	for _, opType := range DefaultRegistry.OpTypes() {
		spec, err := DefaultRegistry.Lookup(opType)
		require.NoError(t, err)

		switch opType {
		case OpMultiply, OpScreen, OpOverlay, OpBlend:
			assert.Equal(t, 2, spec.Arity, opType)
		default:
			assert.Equal(t, 1, spec.Arity, opType)
		}
	}
}

func TestRegistry_ResolveParamsOverlaysDefaults(t *testing.T) {
	resolved, err := DefaultRegistry.ResolveParams(OpBinary, models.Params{"threshold": models.Number(0)})
	require.NoError(t, err)

	assert.Equal(t, 0.0, resolved["threshold"].Number(), "explicit zero must not fall back to the default")
	assert.Equal(t, 255.0, resolved["maxValue"].Number())
	assert.Equal(t, "THRESH_BINARY", resolved["method"].Enum())
	assert.False(t, resolved["useOtsu"].Bool())
}

func TestRegistry_ResolveParamsFillsRecordFields(t *testing.T) {
	partial := models.Params{"anchor": models.Record(map[string]models.ParamValue{"x": models.Number(2)})}
	require.NoError(t, DefaultRegistry.ValidateParams(OpErode, partial))

	resolved, err := DefaultRegistry.ResolveParams(OpErode, partial)
	require.NoError(t, err)

	want := models.Record(map[string]models.ParamValue{"x": models.Number(2), "y": models.Number(-1)})
	assert.True(t, resolved["anchor"].Equal(want), resolved["anchor"].String())

	spec, err := DefaultRegistry.Lookup(OpErode)
	require.NoError(t, err)
	x, _ := spec.Defaults["anchor"].Field("x")
	assert.Equal(t, -1.0, x.Number(), "resolving must not touch the defaults")
}

func TestRegistry_LookupReturnsCopy(t *testing.T) {
	spec, err := DefaultRegistry.Lookup(OpBlend)
	require.NoError(t, err)
	spec.Defaults["ratio"] = models.Number(0.9)

	again, err := DefaultRegistry.Lookup(OpBlend)
	require.NoError(t, err)
	assert.Equal(t, 0.5, again.Defaults["ratio"].Number())
}

func TestRegistry_ValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		opType  string
		params  models.Params
		wantErr bool
	}{
		{"valid partial", OpBinary, models.Params{"threshold": models.Number(90)}, false},
		{"unknown key", OpBinary, models.Params{"radius": models.Number(3)}, true},
		{"wrong kind", OpBinary, models.Params{"useOtsu": models.Number(1)}, true},
		{"bad enum", OpBlur, models.Params{"borderType": models.Enum("BORDER_WRAP")}, true},
		{"record field", OpErode, models.Params{"anchor": models.Record(map[string]models.ParamValue{"x": models.Number(2)})}, false},
		{"record bad field", OpErode, models.Params{"anchor": models.Record(map[string]models.ParamValue{"z": models.Number(2)})}, true},
		{"color", OpDrawRect, models.Params{"color": models.Color(1, 2, 3)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DefaultRegistry.ValidateParams(tt.opType, tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParam)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_RegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(OperationSpec{OpType: "noop", Arity: 1})
	assert.Panics(t, func() { r.Register(OperationSpec{OpType: "noop", Arity: 1}) })
	assert.Panics(t, func() { r.Register(OperationSpec{OpType: "bad", Arity: 3}) })
}
