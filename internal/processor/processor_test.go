package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"imgflow/internal/api/models"
	"imgflow/internal/ops"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolved(t *testing.T, opType string, explicit models.Params) models.Params {
	t.Helper()
	p, err := ops.DefaultRegistry.ResolveParams(opType, explicit)
	require.NoError(t, err)
	return p
}

func TestHTTPProcessor_RoundTrip(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result":   EncodeDataURI([]byte("out")),
			"metadata": map[string]any{"count": 2},
		})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL+"/", time.Second, zerolog.Nop())
	resp, err := p.Process(context.Background(), Request{
		OpType: ops.OpContour,
		Image:  []byte("in"),
		Params: resolved(t, ops.OpContour, nil),
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("out"), resp.Image)
	assert.JSONEq(t, `{"count":2}`, string(resp.Metadata))
	assert.Equal(t, "contour", got.Type)
	assert.Equal(t, "RETR_EXTERNAL", got.Params["mode"].Enum())

	in, err := DecodeDataURI(got.Image)
	require.NoError(t, err)
	assert.Equal(t, []byte("in"), in)
}

func TestHTTPProcessor_ErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"cannot decode image"}`))
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL, time.Second, zerolog.Nop())
	_, err := p.Process(context.Background(), Request{OpType: ops.OpBlur, Image: []byte("x")})

	require.ErrorIs(t, err, ErrProcessingFailure)
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "cannot decode image", perr.Message)
	assert.Equal(t, ops.OpBlur, perr.OpType)
}

func TestLocalProcessor_DrawOnBlank(t *testing.T) {
	p := NewLocalProcessor(zerolog.Nop())
	ctx := context.Background()

	canvas, err := p.Process(ctx, Request{
		OpType: ops.OpBlank,
		Params: resolved(t, ops.OpBlank, models.Params{"width": models.Number(64), "height": models.Number(32)}),
	})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(canvas.Image))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 32), img.Bounds())

	rect, err := p.Process(ctx, Request{
		OpType: ops.OpDrawRect,
		Image:  canvas.Image,
		Params: resolved(t, ops.OpDrawRect, models.Params{"width": models.Number(10), "height": models.Number(10), "filled": models.Bool(true)}),
	})
	require.NoError(t, err)

	out, err := png.Decode(bytes.NewReader(rect.Image))
	require.NoError(t, err)
	r, g, b, _ := out.At(5, 5).RGBA()
	// default color is (255,0,0) in BGR order, i.e. blue
	assert.Greater(t, b, r)
	assert.Greater(t, b, g)
}

func TestLocalProcessor_Unsupported(t *testing.T) {
	p := NewLocalProcessor(zerolog.Nop())
	_, err := p.Process(context.Background(), Request{OpType: ops.OpBlur})
	assert.ErrorIs(t, err, ErrProcessingFailure)
}
