package gen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgflow/internal/api/models"
	"imgflow/internal/graph"
	"imgflow/internal/ops"
)

type flowBuilder struct {
	t     *testing.T
	store *graph.Store
}

func newFlow(t *testing.T) *flowBuilder {
	return &flowBuilder{t: t, store: graph.NewStore(ops.DefaultRegistry)}
}

func (b *flowBuilder) add(kind models.NodeKind, opType string) models.NodeID {
	b.t.Helper()
	n, err := b.store.AddNode(kind, opType)
	require.NoError(b.t, err)
	return n.ID
}

func (b *flowBuilder) link(source, target models.NodeID, port models.Port) {
	b.t.Helper()
	_, err := b.store.AddEdge(models.Edge{Source: source, Target: target, TargetPort: port})
	require.NoError(b.t, err)
}

func (b *flowBuilder) generate(lang Language) string {
	b.t.Helper()
	src, err := Generate(b.store.Snapshot(), ops.DefaultRegistry, lang)
	require.NoError(b.t, err)
	return src
}

// assertOrdered checks that every fragment occurs in src, each after the previous one.
func assertOrdered(t *testing.T, src string, fragments ...string) {
	t.Helper()
	pos := 0
	for _, f := range fragments {
		i := strings.Index(src[pos:], f)
		if !assert.GreaterOrEqual(t, i, 0, "missing %q after offset %d in:\n%s", f, pos, src) {
			return
		}
		pos += i + len(f)
	}
}

func TestGenerate_InputBinaryOutput(t *testing.T) {
	b := newFlow(t)
	a := b.add(models.NodeKindInput, "")
	bin := b.add(models.NodeKindProcess, ops.OpBinary)
	out := b.add(models.NodeKindOutput, "")
	b.link(a, bin, models.PortPrimary)
	b.link(bin, out, models.PortPrimary)
	require.NoError(t, b.store.SetParams(bin, ops.OpBinary, models.Params{"threshold": models.Number(100)}))

	py := b.generate(LanguagePython)
	assertOrdered(t, py,
		"def process_image(input_path: str, output_path: str):",
		"node_1 = img.copy()",
		"_, node_2 = cv2.threshold(",
		"to_gray(node_1)",
		"100,",
		"255,",
		"cv2.THRESH_BINARY,",
		"cv2.imwrite(output_path, node_2)",
		`if __name__ == "__main__":`,
	)
	assert.NotContains(t, py, "node_3")
	assert.NotContains(t, py, "THRESH_OTSU")

	cpp := b.generate(LanguageCpp)
	assertOrdered(t, cpp,
		"void processImage(const string& inputPath, const string& outputPath) {",
		"Mat node_1 = img.clone();",
		"Mat node_2;",
		"threshold(",
		"toGray(node_1)",
		"100,",
		"THRESH_BINARY",
		"imwrite(outputPath, node_2);",
		"int main(int argc, char** argv) {",
	)
	assert.NotContains(t, cpp, "node_3")
}

func TestGenerate_Deterministic(t *testing.T) {
	b := newFlow(t)
	in := b.add(models.NodeKindInput, "")
	blur := b.add(models.NodeKindProcess, ops.OpBlur)
	edge := b.add(models.NodeKindProcess, ops.OpEdge)
	mix := b.add(models.NodeKindProcess, ops.OpScreen)
	out := b.add(models.NodeKindOutput, "")
	b.link(in, blur, models.PortPrimary)
	b.link(in, edge, models.PortPrimary)
	b.link(blur, mix, models.PortPrimary)
	b.link(edge, mix, models.PortSecondary)
	b.link(mix, out, models.PortPrimary)

	for _, lang := range Languages {
		first := b.generate(lang)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, b.generate(lang), lang)
		}
	}

	py := b.generate(LanguagePython)
	assertOrdered(t, py, "node_2 = cv2.GaussianBlur(", "node_3 = cv2.Canny(", "img1 = node_2.astype", "img2 = node_3.astype", "node_4 = (result * 255)")
}

func TestGenerate_SkipsBlendWithoutSecondary(t *testing.T) {
	b := newFlow(t)
	in := b.add(models.NodeKindInput, "")
	blend := b.add(models.NodeKindProcess, ops.OpBlend)
	gray := b.add(models.NodeKindProcess, ops.OpGrayscale)
	out := b.add(models.NodeKindOutput, "")
	b.link(in, blend, models.PortPrimary)
	b.link(blend, gray, models.PortPrimary)
	b.link(gray, out, models.PortPrimary)
	require.NoError(t, b.store.SetParams(blend, ops.OpBlend, models.Params{"ratio": models.Number(0.3)}))

	for _, lang := range Languages {
		src := b.generate(lang)
		assert.Contains(t, src, "node_1")
		assert.NotContains(t, src, "node_2", lang)
		assert.NotContains(t, src, "node_3", lang)
		assert.NotContains(t, src, "imwrite(output", lang)
	}
}

func TestGenerate_ResolvesParams(t *testing.T) {
	b := newFlow(t)
	in := b.add(models.NodeKindInput, "")
	rect := b.add(models.NodeKindProcess, ops.OpDrawRect)
	blur := b.add(models.NodeKindProcess, ops.OpBlur)
	b.link(in, rect, models.PortPrimary)
	b.link(rect, blur, models.PortPrimary)
	require.NoError(t, b.store.SetParams(rect, ops.OpDrawRect, models.Params{
		"x":      models.Number(10),
		"width":  models.Number(30),
		"filled": models.Bool(true),
		"color":  models.Color(1, 2, 3),
	}))
	require.NoError(t, b.store.SetParams(blur, ops.OpBlur, models.Params{"kernelSize": models.Number(4)}))

	py := b.generate(LanguagePython)
	assertOrdered(t, py, "(10, 0),", "(40, 100),", "(1, 2, 3),", "-1,", "cv2.LINE_8,", "(5, 5),")

	cpp := b.generate(LanguageCpp)
	assertOrdered(t, cpp, "Point(10, 0),", "Point(40, 100),", "Scalar(1, 2, 3),", "-1,", "Size(5, 5),")
}

func TestGenerate_PartialRecordKeepsDefaults(t *testing.T) {
	b := newFlow(t)
	in := b.add(models.NodeKindInput, "")
	erode := b.add(models.NodeKindProcess, ops.OpErode)
	b.link(in, erode, models.PortPrimary)
	require.NoError(t, b.store.SetParams(erode, ops.OpErode, models.Params{
		"anchor": models.Record(map[string]models.ParamValue{"x": models.Number(2)}),
	}))

	assert.Contains(t, b.generate(LanguagePython), "anchor=(2, -1),")
	assert.Contains(t, b.generate(LanguageCpp), "Point(2, -1),")

	require.NoError(t, b.store.SetParams(erode, ops.OpErode, models.Params{
		"anchor": models.Record(map[string]models.ParamValue{"y": models.Number(1)}),
	}))
	assert.Contains(t, b.generate(LanguagePython), "anchor=(2, 1),")
}

func TestGenerate_BindsInputsFirst(t *testing.T) {
	b := newFlow(t)
	first := b.add(models.NodeKindInput, "")
	gray := b.add(models.NodeKindProcess, ops.OpGrayscale)
	second := b.add(models.NodeKindInput, "")
	blend := b.add(models.NodeKindProcess, ops.OpBlend)
	b.link(first, gray, models.PortPrimary)
	b.link(gray, blend, models.PortPrimary)
	b.link(second, blend, models.PortSecondary)

	assertOrdered(t, b.generate(LanguagePython),
		"node_1 = img.copy()", "node_3 = img.copy()", "node_2 = ", "node_4 = ")
}

func TestGenerate_MaterializesOnlySingleOutput(t *testing.T) {
	b := newFlow(t)
	in := b.add(models.NodeKindInput, "")
	gray := b.add(models.NodeKindProcess, ops.OpGrayscale)
	first := b.add(models.NodeKindOutput, "")
	b.link(in, gray, models.PortPrimary)
	b.link(gray, first, models.PortPrimary)

	assert.Contains(t, b.generate(LanguagePython), "cv2.imwrite(output_path, node_2)")

	second := b.add(models.NodeKindOutput, "")
	b.link(in, second, models.PortPrimary)
	assert.NotContains(t, b.generate(LanguagePython), "cv2.imwrite")
}

func TestGenerate_EveryOperationHasTemplates(t *testing.T) {
	for _, lang := range Languages {
		engine, err := engineFor(lang)
		require.NoError(t, err)
		for _, op := range ops.DefaultRegistry.OpTypes() {
			assert.True(t, engine.HasBlock(op), "%s has no %s template", lang, op)
		}
	}
}

func TestGenerate_UnsupportedLanguage(t *testing.T) {
	b := newFlow(t)
	_, err := Generate(b.store.Snapshot(), ops.DefaultRegistry, Language("rust"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)

	_, err = ParseLanguage("java")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestVariableName(t *testing.T) {
	assert.Equal(t, "node_12", variableName("12"))
	assert.Equal(t, "node_a_b", variableName("a-b"))

	taken := map[string]bool{}
	assert.Equal(t, "node_a_b", uniqueVar("a-b", taken))
	assert.Equal(t, "node_a_b_2", uniqueVar("a.b", taken))
}
