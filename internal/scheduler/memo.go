package scheduler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"imgflow/internal/api/models"
)

// input identifies one upstream result consumed by a node.
type input struct {
	port   models.Port
	source models.NodeID
	entry  models.ResultEntry
}

// memoKey hashes everything a node's output depends on: its operation, the
// upstream results it reads and its resolved params. Fields are length-prefixed
// so adjacent values cannot run into each other; params are encoded as JSON
// whose object keys encoding/json already sorts.
func memoKey(opType string, params models.Params, inputs []input) (string, error) {
	d := xxhash.New()

	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		_, _ = d.Write(length[:])
		_, _ = d.Write(data)
	}

	writeField([]byte(opType))
	writeField([]byte{byte(len(inputs))})
	for _, in := range inputs {
		writeField([]byte(in.port))
		writeField([]byte(in.source))
		writeField([]byte(in.entry.Digest))
	}

	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	writeField(canonical)

	return fmt.Sprintf("%016x", d.Sum64()), nil
}

// Digest returns the content id of an image payload.
func Digest(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
