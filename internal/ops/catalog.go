package ops

import "imgflow/internal/api/models"

const (
	OpBinary     = "binary"
	OpBlur       = "blur"
	OpErode      = "erode"
	OpDilate     = "dilate"
	OpEdge       = "edge"
	OpGrayscale  = "grayscale"
	OpBlank      = "blank"
	OpDrawRect   = "draw-rect"
	OpDrawCircle = "draw-circle"
	OpDrawLine   = "draw-line"
	OpMultiply   = "multiply"
	OpScreen     = "screen"
	OpOverlay    = "overlay"
	OpBlend      = "blend"
	OpContour    = "contour"
)

var (
	ThresholdMethods = []string{"THRESH_BINARY", "THRESH_BINARY_INV", "THRESH_TRUNC", "THRESH_TOZERO", "THRESH_TOZERO_INV"}
	BorderTypes      = []string{"BORDER_DEFAULT", "BORDER_CONSTANT", "BORDER_REPLICATE"}
	KernelShapes     = []string{"MORPH_RECT", "MORPH_CROSS", "MORPH_ELLIPSE"}
	LineTypes        = []string{"LINE_4", "LINE_8", "LINE_AA"}
	ContourModes     = []string{"RETR_EXTERNAL", "RETR_LIST", "RETR_CCOMP", "RETR_TREE"}
	ContourMethods   = []string{"CHAIN_APPROX_NONE", "CHAIN_APPROX_SIMPLE", "CHAIN_APPROX_TC89_L1", "CHAIN_APPROX_TC89_KCOS"}
)

func morphology(opType, label string) OperationSpec {
	return OperationSpec{
		OpType: opType,
		Label:  label,
		Arity:  1,
		Defaults: models.Params{
			"kernelSize":  models.Number(3),
			"iterations":  models.Number(1),
			"kernelShape": models.Enum("MORPH_RECT"),
			"anchor":      models.Record(map[string]models.ParamValue{"x": models.Number(-1), "y": models.Number(-1)}),
		},
		Choices: map[string][]string{"kernelShape": KernelShapes},
	}
}

func layer(opType, label string) OperationSpec {
	return OperationSpec{
		OpType:   opType,
		Label:    label,
		Arity:    2,
		Defaults: models.Params{"opacity": models.Number(1.0)},
	}
}

func builtins() []OperationSpec {
	return []OperationSpec{
		{
			OpType: OpBinary,
			Label:  "Binary",
			Arity:  1,
			Defaults: models.Params{
				"threshold": models.Number(128),
				"maxValue":  models.Number(255),
				"method":    models.Enum("THRESH_BINARY"),
				"useOtsu":   models.Bool(false),
			},
			Choices: map[string][]string{"method": ThresholdMethods},
		},
		{
			OpType: OpBlur,
			Label:  "Gaussian Blur",
			Arity:  1,
			Defaults: models.Params{
				"kernelSize": models.Number(5),
				"sigmaX":     models.Number(0),
				"sigmaY":     models.Number(0),
				"borderType": models.Enum("BORDER_DEFAULT"),
			},
			Choices: map[string][]string{"borderType": BorderTypes},
		},
		morphology(OpErode, "Erode"),
		morphology(OpDilate, "Dilate"),
		{
			OpType: OpEdge,
			Label:  "Canny Edge",
			Arity:  1,
			Defaults: models.Params{
				"threshold1":   models.Number(100),
				"threshold2":   models.Number(200),
				"apertureSize": models.Number(3),
				"l2gradient":   models.Bool(false),
			},
		},
		{
			OpType: OpGrayscale,
			Label:  "Grayscale",
			Arity:  1,
		},
		{
			OpType: OpBlank,
			Label:  "Blank Canvas",
			Arity:  1,
			Defaults: models.Params{
				"width":       models.Number(512),
				"height":      models.Number(512),
				"color":       models.Color(255, 255, 255),
				"isGrayscale": models.Bool(false),
			},
		},
		{
			OpType: OpDrawRect,
			Label:  "Rectangle",
			Arity:  1,
			Defaults: models.Params{
				"x":         models.Number(0),
				"y":         models.Number(0),
				"width":     models.Number(100),
				"height":    models.Number(100),
				"color":     models.Color(255, 0, 0),
				"thickness": models.Number(2),
				"lineType":  models.Enum("LINE_8"),
				"filled":    models.Bool(false),
			},
			Choices: map[string][]string{"lineType": LineTypes},
		},
		{
			OpType: OpDrawCircle,
			Label:  "Circle",
			Arity:  1,
			Defaults: models.Params{
				"x":         models.Number(50),
				"y":         models.Number(50),
				"radius":    models.Number(25),
				"color":     models.Color(0, 255, 0),
				"thickness": models.Number(2),
				"lineType":  models.Enum("LINE_8"),
				"filled":    models.Bool(false),
			},
			Choices: map[string][]string{"lineType": LineTypes},
		},
		{
			OpType: OpDrawLine,
			Label:  "Line",
			Arity:  1,
			Defaults: models.Params{
				"x1":        models.Number(0),
				"y1":        models.Number(0),
				"x2":        models.Number(100),
				"y2":        models.Number(100),
				"color":     models.Color(0, 0, 255),
				"thickness": models.Number(2),
				"lineType":  models.Enum("LINE_8"),
			},
			Choices: map[string][]string{"lineType": LineTypes},
		},
		layer(OpMultiply, "Multiply"),
		layer(OpScreen, "Screen"),
		layer(OpOverlay, "Overlay"),
		{
			OpType:   OpBlend,
			Label:    "Blend",
			Arity:    2,
			Defaults: models.Params{"ratio": models.Number(0.5)},
		},
		{
			OpType: OpContour,
			Label:  "Contours",
			Arity:  1,
			Output: OutputImageWithMetadata,
			Defaults: models.Params{
				"mode":          models.Enum("RETR_EXTERNAL"),
				"contourMethod": models.Enum("CHAIN_APPROX_SIMPLE"),
				"minArea":       models.Number(100),
				"maxArea":       models.Number(10000),
			},
			Choices: map[string][]string{"mode": ContourModes, "contourMethod": ContourMethods},
		},
	}
}
