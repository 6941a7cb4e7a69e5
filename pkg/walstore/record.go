package walstore

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// RecordType identifies what a Record represents in the log.
type RecordType string

const (
	// RecordWrite replaces the whole database snapshot with Data on
	// commit.
	RecordWrite RecordType = "write"
	// RecordUpdate shallow-merges Data into the snapshot at the
	// top-level key space (table names) on commit.
	RecordUpdate RecordType = "update"
	// RecordDelete empties the entire snapshot on commit. Carries no
	// Data.
	RecordDelete RecordType = "delete"
	RecordBegin  RecordType = "begin"
	RecordCommit RecordType = "commit"
	RecordAbort  RecordType = "abort"
)

// Record is one line of the write-ahead log: a typed, timestamped,
// transaction-scoped event. Data is the operand for write/update — an
// opaque tree of nested maps, arrays, and primitives the engine never
// interprets below the top-level keys — and is absent for begin/
// delete/commit/abort.
type Record struct {
	Type      RecordType     `json:"type" msgpack:"type"`
	Txid      uint64         `json:"txid" msgpack:"txid"`
	Timestamp int64          `json:"timestamp" msgpack:"timestamp"`
	Data      map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	// Stable marks a commit record whose txid became the new stable
	// visibility horizon when it was appended.
	Stable bool `json:"stable,omitempty" msgpack:"stable,omitempty"`
}

// Encode serializes r as one wire-format line, without a trailing
// newline. useMsgPack selects MessagePack over JSON.
func (r Record) Encode(useMsgPack bool) ([]byte, error) {
	if useMsgPack {
		return msgpack.Marshal(r)
	}
	return json.Marshal(r)
}

// DecodeRecord parses one line back into a Record.
func DecodeRecord(line []byte, useMsgPack bool) (Record, error) {
	var r Record
	var err error
	if useMsgPack {
		err = msgpack.Unmarshal(line, &r)
	} else {
		err = json.Unmarshal(line, &r)
	}
	return r, err
}
