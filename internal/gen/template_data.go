package gen

import (
	"fmt"
	"strconv"
	"strings"

	"imgflow/internal/api/models"
)

// ProgramData feeds the per-language program template.
type ProgramData struct {
	Body string
	// Result is the variable materialized as the program output, empty when
	// the graph has no single connected Output node.
	Result string
}

// BlockData feeds one node's statement block. Params are already resolved
// against the operation defaults, so every lookup hits a value.
type BlockData struct {
	ID        string
	OpType    string
	Var       string
	Primary   string
	Secondary string
	params    models.Params
}

// Num formats a numeric param without trailing zeros.
func (d BlockData) Num(key string) string {
	return formatNumber(d.params[key].Number())
}

func (d BlockData) Int(key string) int {
	return d.params[key].Int()
}

// Odd rounds an integer param up to the next odd value, as kernel sizes require.
func (d BlockData) Odd(key string) int {
	n := d.params[key].Int()
	if n < 1 {
		return 1
	}
	if n%2 == 0 {
		return n + 1
	}
	return n
}

// Sum adds two integer params, used for rectangle end points.
func (d BlockData) Sum(a, b string) int {
	return d.params[a].Int() + d.params[b].Int()
}

// Complement returns 1 - param, the weight of the base layer in a blend.
func (d BlockData) Complement(key string) string {
	return formatNumber(1 - d.params[key].Number())
}

func (d BlockData) Flag(key string) bool {
	return d.params[key].Bool()
}

func (d BlockData) Enum(key string) string {
	return d.params[key].Enum()
}

// Channels joins a color param as "b, g, r".
func (d BlockData) Channels(key string) string {
	c := d.params[key].Color()
	return fmt.Sprintf("%d, %d, %d", c[0], c[1], c[2])
}

// Channel returns one component of a color param.
func (d BlockData) Channel(key string, i int) uint8 {
	return d.params[key].Color()[i]
}

// Thickness is -1 for filled shapes, the thickness param otherwise.
func (d BlockData) Thickness() int {
	if d.params["filled"].Bool() {
		return -1
	}
	return d.params["thickness"].Int()
}

// Field formats a numeric field of a record param.
func (d BlockData) Field(key, field string) string {
	v, _ := d.params[key].Field(field)
	return formatNumber(v.Number())
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// variableName derives a target-language identifier from a node id.
func variableName(id models.NodeID) string {
	var b strings.Builder
	b.WriteString("node_")
	for _, r := range string(id) {
		if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
