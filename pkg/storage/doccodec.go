// Package storage provides bmdb's unified storage contract: a single
// Store interface implemented by both the binary-file engine
// (pkg/binfile, pkg/diskbtree) and the WAL/MVCC engine (pkg/walstore),
// so callers can pick a backend without rewriting query code. It also
// owns the secondary-index wiring (pkg/memindex, pkg/catalog) that
// sits above either backend.
package storage

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Codec converts a document value to and from the wire bytes that get
// handed to a backend's document region. It is a seam, not a core
// engine dependency: neither pkg/binfile nor pkg/walstore knows or
// cares which codec produced the bytes they store.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec stores documents as plain JSON text, bmdb's default wire
// format (it is also what pkg/walstore's own Record envelope uses).
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// BSONCodec stores documents as BSON, for callers migrating documents
// from or interoperating with MongoDB-shaped data. It lives here at
// the storage boundary, rather than inside pkg/binfile or
// pkg/walstore, so the core engines stay codec-agnostic.
type BSONCodec struct{}

func (BSONCodec) Marshal(v any) ([]byte, error) { return bson.Marshal(v) }
func (BSONCodec) Unmarshal(data []byte, v any) error { return bson.Unmarshal(data, v) }

// MsgpackCodec stores documents as MessagePack, the same encoder
// pkg/walstore switches its WAL/snapshot framing to under
// Options.UseMsgPack; exposed here too so a caller can keep document
// bodies in the same wire format as the engine's own internals end to
// end.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// ExtractField pulls a named top-level field out of a document body, for
// index maintenance (the secondary-index tree needs the field's value,
// not the whole document). The body is decoded with the given codec
// (JSON, BSON or MessagePack) into a generic map first.
func ExtractField(raw []byte, field string, codec Codec) (any, bool, error) {
	var doc map[string]any
	if err := codec.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}
	v, ok := doc[field]
	return v, ok, nil
}
