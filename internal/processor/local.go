package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	"github.com/gogpu/gg"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"imgflow/internal/api/models"
	"imgflow/internal/ops"
)

// LocalProcessor renders the operations that need no computer-vision kernel:
// blank canvases, drawing primitives and grayscale conversion. Everything else
// is reported as unsupported so a remote processor must be configured for it.
type LocalProcessor struct {
	logger zerolog.Logger
}

func NewLocalProcessor(logger zerolog.Logger) *LocalProcessor {
	return &LocalProcessor{logger: logger}
}

// Supports reports whether opType can be rendered locally.
func (slf *LocalProcessor) Supports(opType string) bool {
	switch opType {
	case ops.OpBlank, ops.OpDrawRect, ops.OpDrawCircle, ops.OpDrawLine, ops.OpGrayscale:
		return true
	}
	return false
}

func (slf *LocalProcessor) Process(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if !slf.Supports(req.OpType) {
		return Response{}, Failf(req.OpType, "not supported by the local processor")
	}

	if req.OpType == ops.OpBlank {
		return slf.blank(req)
	}

	src, _, err := image.Decode(bytes.NewReader(req.Image))
	if err != nil {
		return Response{}, Failf(req.OpType, "decode input: %v", err)
	}

	if req.OpType == ops.OpGrayscale {
		gray := image.NewGray(src.Bounds())
		draw.Draw(gray, gray.Bounds(), src, src.Bounds().Min, draw.Src)
		return encodePNG(req.OpType, gray)
	}

	dc := gg.NewContextForImage(src)
	defer dc.Close()

	p := req.Params
	setBGR(dc, p["color"])
	dc.SetLineWidth(float64(max(1, p["thickness"].Int())))

	switch req.OpType {
	case ops.OpDrawRect:
		dc.DrawRectangle(p["x"].Number(), p["y"].Number(), p["width"].Number(), p["height"].Number())
		err = finish(dc, p["filled"].Bool() || p["thickness"].Int() < 0)
	case ops.OpDrawCircle:
		dc.DrawCircle(p["x"].Number(), p["y"].Number(), p["radius"].Number())
		err = finish(dc, p["filled"].Bool() || p["thickness"].Int() < 0)
	case ops.OpDrawLine:
		dc.DrawLine(p["x1"].Number(), p["y1"].Number(), p["x2"].Number(), p["y2"].Number())
		err = finish(dc, false)
	}
	if err != nil {
		return Response{}, Failf(req.OpType, "render: %v", err)
	}

	var buf bytes.Buffer
	if err = dc.EncodePNG(&buf); err != nil {
		return Response{}, Failf(req.OpType, "encode: %v", err)
	}
	return Response{Image: buf.Bytes()}, nil
}

func (slf *LocalProcessor) blank(req Request) (Response, error) {
	p := req.Params
	w, h := p["width"].Int(), p["height"].Int()
	if w <= 0 || h <= 0 {
		return Response{}, Failf(req.OpType, "invalid canvas size %dx%d", w, h)
	}

	c := p["color"].Color()
	if p["isGrayscale"].Bool() {
		gray := image.NewGray(image.Rect(0, 0, w, h))
		draw.Draw(gray, gray.Bounds(), &image.Uniform{C: color.Gray{Y: c[0]}}, image.Point{}, draw.Src)
		return encodePNG(req.OpType, gray)
	}

	dc := gg.NewContext(w, h)
	defer dc.Close()
	dc.ClearWithColor(gg.RGB(float64(c[2])/255, float64(c[1])/255, float64(c[0])/255))

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return Response{}, Failf(req.OpType, "encode: %v", err)
	}
	return Response{Image: buf.Bytes()}, nil
}

// setBGR applies an OpenCV-ordered color triple.
func setBGR(dc *gg.Context, v models.ParamValue) {
	c := v.Color()
	dc.SetRGB(float64(c[2])/255, float64(c[1])/255, float64(c[0])/255)
}

func finish(dc *gg.Context, filled bool) error {
	if filled {
		return dc.Fill()
	}
	return dc.Stroke()
}

func encodePNG(opType string, img image.Image) (Response, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Response{}, Failf(opType, "encode: %v", err)
	}
	return Response{Image: buf.Bytes()}, nil
}
