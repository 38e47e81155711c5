package gen

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"imgflow/internal/api/models"
	"imgflow/internal/graph"
	"imgflow/internal/ops"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

type Language string

const (
	LanguagePython Language = "python"
	LanguageCpp    Language = "cpp"
)

// Languages lists every supported target in a stable order.
var Languages = []Language{LanguagePython, LanguageCpp}

func ParseLanguage(s string) (Language, error) {
	for _, l := range Languages {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
}

var (
	enginesMu sync.Mutex
	engines   = map[Language]*TemplateEngine{}
)

func engineFor(lang Language) (*TemplateEngine, error) {
	enginesMu.Lock()
	defer enginesMu.Unlock()

	if e, ok := engines[lang]; ok {
		return e, nil
	}
	if _, err := ParseLanguage(string(lang)); err != nil {
		return nil, err
	}
	e, err := NewTemplateEngine(lang)
	if err != nil {
		return nil, err
	}
	engines[lang] = e
	return e, nil
}

// Generate translates snap into a standalone program in lang. Input nodes are
// bound first in ascending id order. The remaining nodes follow in
// topological order, where among the nodes whose inputs are all emitted the
// smallest id goes next. The same snapshot therefore always yields the same
// text. A process node missing a required input, or fed by a node that was
// itself skipped, is left out.
func Generate(snap *graph.Snapshot, registry *ops.Registry, lang Language) (string, error) {
	engine, err := engineFor(lang)
	if err != nil {
		return "", err
	}

	order, err := snap.TopoOrder()
	if err != nil {
		return "", err
	}

	vars := make(map[models.NodeID]string, snap.Len())
	taken := make(map[string]bool, snap.Len())
	var outputs []models.NodeID
	var body strings.Builder

	for _, id := range order {
		if node, _ := snap.Node(id); node.Kind != models.NodeKindInput {
			continue
		}
		data := BlockData{ID: string(id), OpType: "input", Var: uniqueVar(id, taken)}
		block, err := engine.RenderBlock("input", data)
		if err != nil {
			return "", err
		}
		vars[id] = data.Var
		body.WriteString(block)
	}

	for _, id := range order {
		node, _ := snap.Node(id)

		switch node.Kind {
		case models.NodeKindOutput:
			outputs = append(outputs, id)
			continue
		case models.NodeKindInput:
			continue
		}

		spec, err := registry.Lookup(node.OpType)
		if err != nil {
			return "", err
		}

		data := BlockData{ID: string(id), OpType: node.OpType}
		if data.Primary = upstreamVar(snap, vars, id, models.PortPrimary); data.Primary == "" {
			continue
		}
		if spec.Arity == 2 {
			if data.Secondary = upstreamVar(snap, vars, id, models.PortSecondary); data.Secondary == "" {
				continue
			}
		}
		if !engine.HasBlock(node.OpType) {
			return "", fmt.Errorf("%w: no %s template for %s", ErrUnsupportedLanguage, lang, node.OpType)
		}

		data.params, err = registry.ResolveParams(node.OpType, node.Params)
		if err != nil {
			return "", err
		}
		data.Var = uniqueVar(id, taken)

		block, err := engine.RenderBlock(node.OpType, data)
		if err != nil {
			return "", err
		}
		vars[id] = data.Var
		body.WriteString(block)
	}

	program := ProgramData{Body: body.String()}
	if len(outputs) == 1 {
		program.Result = upstreamVar(snap, vars, outputs[0], models.PortPrimary)
	}
	return engine.RenderProgram(program)
}

// upstreamVar returns the variable bound to the source of port, or "" when
// the port is unconnected or its source was not emitted.
func upstreamVar(snap *graph.Snapshot, vars map[models.NodeID]string, id models.NodeID, port models.Port) string {
	source, ok := snap.Upstream(id, port)
	if !ok {
		return ""
	}
	return vars[source]
}

// uniqueVar reserves the variable name of id, suffixing it when two ids
// sanitize to the same identifier.
func uniqueVar(id models.NodeID, taken map[string]bool) string {
	base := variableName(id)
	name := base
	for n := 2; taken[name]; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	taken[name] = true
	return name
}
