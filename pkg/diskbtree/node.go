// Package diskbtree implements the disk-resident B+tree that is bmdb's
// primary index: string keys ("<table>:<docId>") mapping to (offset,
// length) records in a binary file's document region. The tree owns no
// file handle; it is driven entirely through the ReadNode/WriteNode
// callbacks supplied by the binary file engine, with file offsets
// playing the role node pointers play in an in-memory tree.
package diskbtree

import (
	"encoding/binary"
	"fmt"

	"github.com/bobboyms/bmdb/pkg/dberrors"
)

const (
	// NodeSize is the fixed page size of every B+tree node on disk.
	NodeSize = 1024
	// MaxKeys is the maximum number of keys a non-root node may hold.
	MaxKeys = 15
	// MinKeys is the floor a node must maintain after a removal, except
	// the root.
	MinKeys = 7

	nodeHeaderSize = 1 + 2 + 4 + 4 // leafFlag + keyCount + parentOffset + nextLeafOffset
	maxKeyLen      = 1000

	// NoOffset is the wire encoding of "-1": no parent, no next leaf,
	// no child.
	NoOffset uint32 = 0xFFFFFFFF
)

// Entry is the payload pointer stored for a key in a leaf: the byte
// offset and length of the document in the binary file's document
// region.
type Entry struct {
	Offset uint32
	Length uint32
}

// Node is the decoded, in-memory form of one 1024-byte page. Offset is
// not part of the wire format; it records where this node currently
// lives so callers don't have to thread it through separately.
type Node struct {
	Offset         int64
	Leaf           bool
	ParentOffset   int64 // -1 if none
	NextLeafOffset int64 // -1 if none or not a leaf
	Keys           []string
	Entries        []Entry // len == len(Keys), leaves only
	Children       []int64 // len == len(Keys)+1, internal nodes only
}

func encodeOffset(off int64) uint32 {
	if off < 0 {
		return NoOffset
	}
	return uint32(off)
}

func decodeOffset(raw uint32) int64 {
	if raw == NoOffset {
		return -1
	}
	return int64(raw)
}

// Validate checks a node's structural invariants — children/entries
// counts consistent with the key count, keys strictly ascending, key
// lengths within bounds — before it is allowed to be persisted. The
// engine refuses to write a node that fails this check.
func (n *Node) Validate() error {
	keyCount := len(n.Keys)
	if n.Leaf {
		if len(n.Entries) != keyCount {
			return fmt.Errorf("leaf entries count %d != key count %d", len(n.Entries), keyCount)
		}
	} else {
		if len(n.Children) != keyCount+1 {
			return fmt.Errorf("internal children count %d != key count+1 %d", len(n.Children), keyCount+1)
		}
	}
	for i := 1; i < keyCount; i++ {
		if n.Keys[i-1] >= n.Keys[i] {
			return fmt.Errorf("keys not strictly ascending at index %d (%q >= %q)", i, n.Keys[i-1], n.Keys[i])
		}
	}
	for _, k := range n.Keys {
		if len(k) > maxKeyLen {
			return fmt.Errorf("key length %d exceeds max %d", len(k), maxKeyLen)
		}
	}
	return nil
}

// Encode serializes the node into a fixed NodeSize buffer. It refuses
// to encode a node that fails Validate, surfacing a
// StructuralCorruptionError rather than writing an inconsistent page.
func (n *Node) Encode() ([NodeSize]byte, error) {
	var buf [NodeSize]byte
	if err := n.Validate(); err != nil {
		return buf, &dberrors.StructuralCorruptionError{Offset: n.Offset, Reason: err.Error()}
	}

	pos := 0
	if n.Leaf {
		buf[pos] = 1
	}
	pos++
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(n.Keys)))
	pos += 2
	binary.BigEndian.PutUint32(buf[pos:], encodeOffset(n.ParentOffset))
	pos += 4
	binary.BigEndian.PutUint32(buf[pos:], encodeOffset(n.NextLeafOffset))
	pos += 4

	for i, key := range n.Keys {
		if pos+2+len(key) > NodeSize {
			return buf, &dberrors.StructuralCorruptionError{Offset: n.Offset, Reason: "node overflowed NodeSize while encoding"}
		}
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(key)))
		pos += 2
		copy(buf[pos:], key)
		pos += len(key)

		if n.Leaf {
			binary.BigEndian.PutUint32(buf[pos:], n.Entries[i].Offset)
			pos += 4
			binary.BigEndian.PutUint32(buf[pos:], n.Entries[i].Length)
			pos += 4
		} else {
			binary.BigEndian.PutUint32(buf[pos:], encodeOffset(n.Children[i]))
			pos += 4
		}
	}

	if !n.Leaf {
		if pos+4 > NodeSize {
			return buf, &dberrors.StructuralCorruptionError{Offset: n.Offset, Reason: "node overflowed NodeSize encoding trailing child"}
		}
		binary.BigEndian.PutUint32(buf[pos:], encodeOffset(n.Children[len(n.Children)-1]))
	}

	return buf, nil
}

// Decode parses a NodeSize buffer read from offset into a Node. A bad
// key count, a key length over the cap, or a children/entries count
// mismatch all abort with a StructuralCorruptionError naming the
// offset.
func Decode(offset int64, buf []byte) (*Node, error) {
	if len(buf) != NodeSize {
		return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: fmt.Sprintf("short node read: got %d bytes", len(buf))}
	}

	pos := 0
	leaf := buf[pos] == 1
	pos++
	keyCount := int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2
	if keyCount > MaxKeys {
		return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: fmt.Sprintf("key count %d exceeds MAX_KEYS %d", keyCount, MaxKeys)}
	}
	parentOffset := decodeOffset(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	nextLeafOffset := decodeOffset(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4

	n := &Node{
		Offset:         offset,
		Leaf:           leaf,
		ParentOffset:   parentOffset,
		NextLeafOffset: nextLeafOffset,
		Keys:           make([]string, 0, keyCount),
	}
	if leaf {
		n.Entries = make([]Entry, 0, keyCount)
	} else {
		n.Children = make([]int64, 0, keyCount+1)
	}

	for i := 0; i < keyCount; i++ {
		if pos+2 > NodeSize {
			return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: "truncated key length field"}
		}
		keyLen := int(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
		if keyLen > maxKeyLen {
			return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: fmt.Sprintf("key length %d exceeds max %d", keyLen, maxKeyLen)}
		}
		if pos+keyLen > NodeSize {
			return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: "key bytes run past node boundary"}
		}
		key := string(buf[pos : pos+keyLen])
		pos += keyLen
		n.Keys = append(n.Keys, key)

		if leaf {
			if pos+8 > NodeSize {
				return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: "truncated leaf entry"}
			}
			e := Entry{
				Offset: binary.BigEndian.Uint32(buf[pos:]),
				Length: binary.BigEndian.Uint32(buf[pos+4:]),
			}
			pos += 8
			n.Entries = append(n.Entries, e)
		} else {
			if pos+4 > NodeSize {
				return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: "truncated child offset"}
			}
			n.Children = append(n.Children, decodeOffset(binary.BigEndian.Uint32(buf[pos:])))
			pos += 4
		}
	}

	if !leaf {
		if pos+4 > NodeSize {
			return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: "truncated trailing child offset"}
		}
		n.Children = append(n.Children, decodeOffset(binary.BigEndian.Uint32(buf[pos:])))
	}

	if leaf && len(n.Entries) != keyCount {
		return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: "leaf entries count mismatch after decode"}
	}
	if !leaf && len(n.Children) != keyCount+1 {
		return nil, &dberrors.StructuralCorruptionError{Offset: offset, Reason: "internal children count mismatch after decode"}
	}

	return n, nil
}

// KeyCount reports the node's current key count.
func (n *Node) KeyCount() int { return len(n.Keys) }

// IsLeaf reports whether this node is a leaf.
func (n *Node) IsLeaf() bool { return n.Leaf }
