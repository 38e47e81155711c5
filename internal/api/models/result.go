package models

import "encoding/json"

// ResultEntry is the stored outcome of evaluating a node. Either Handle points
// at the produced image in the blob store, or Err carries the failure message.
type ResultEntry struct {
	Handle   string          `json:"handle,omitempty"`
	Digest   string          `json:"digest,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Err      string          `json:"error,omitempty"`
}

func ErrorResult(message string) ResultEntry {
	return ResultEntry{Err: message}
}

func (slf ResultEntry) Failed() bool {
	return slf.Err != ""
}

func (slf ResultEntry) Clone() ResultEntry {
	out := slf
	if slf.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), slf.Metadata...)
	}
	return out
}
