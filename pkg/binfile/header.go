// Package binfile is the binary file engine backing bmdb's primary
// storage: one growing file holding a fixed header, the disk B+tree
// region (pkg/diskbtree pages), and a document region of
// length-prefixed payloads. Removed documents leave dead bytes behind;
// Compact rewrites the file to reclaim them.
package binfile

import (
	"encoding/binary"
	"fmt"

	"github.com/bobboyms/bmdb/pkg/dberrors"
)

const (
	// Magic identifies a bmdb data file: ASCII "BMDB".
	Magic uint32 = 0x424D4442
	// Version is the current on-disk format version.
	Version uint32 = 1

	// HeaderSize is the fixed size of the leading file header.
	HeaderSize = 32
)

// Header is the decoded 32-byte file header: magic, version, the disk
// B+tree's root/next-node offsets, the live document count, and the
// byte offset where the document region's free space begins.
type Header struct {
	Magic           uint32
	Version         uint32
	RootNodeOffset  int64 // -1 if the B+tree is empty
	NextNodeOffset  uint32
	DocumentCount   uint32
	FreeSpaceOffset uint32
	Reserved1       uint32
	Reserved2       uint32
}

// NewHeader returns the header for a freshly created file: an empty tree
// (root offset -1) whose node allocation starts at nextNodeOffset, a
// B+tree area of reserved1 bytes after the header, and a document
// region starting at docRegionStart (HeaderSize + reserved1).
func NewHeader(nextNodeOffset, reserved1, docRegionStart uint32) Header {
	return Header{
		Magic:           Magic,
		Version:         Version,
		RootNodeOffset:  -1,
		NextNodeOffset:  nextNodeOffset,
		DocumentCount:   0,
		FreeSpaceOffset: docRegionStart,
		Reserved1:       reserved1,
	}
}

// Encode serializes the header into a fixed HeaderSize buffer.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:], h.Magic)
	binary.BigEndian.PutUint32(buf[4:], h.Version)
	root := uint32(0xFFFFFFFF)
	if h.RootNodeOffset >= 0 {
		root = uint32(h.RootNodeOffset)
	}
	binary.BigEndian.PutUint32(buf[8:], root)
	binary.BigEndian.PutUint32(buf[12:], h.NextNodeOffset)
	binary.BigEndian.PutUint32(buf[16:], h.DocumentCount)
	binary.BigEndian.PutUint32(buf[20:], h.FreeSpaceOffset)
	binary.BigEndian.PutUint32(buf[24:], h.Reserved1)
	binary.BigEndian.PutUint32(buf[28:], h.Reserved2)
	return buf
}

// DecodeHeader parses and validates a file header, returning
// InvalidFormatError or UnsupportedVersionError on mismatch.
func DecodeHeader(path string, buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, &dberrors.InvalidFormatError{Path: path}
	}
	var h Header
	h.Magic = binary.BigEndian.Uint32(buf[0:])
	if h.Magic != Magic {
		return Header{}, &dberrors.InvalidFormatError{Path: path}
	}
	h.Version = binary.BigEndian.Uint32(buf[4:])
	if h.Version != Version {
		return Header{}, &dberrors.UnsupportedVersionError{Path: path, Version: h.Version}
	}
	root := binary.BigEndian.Uint32(buf[8:])
	if root == 0xFFFFFFFF {
		h.RootNodeOffset = -1
	} else {
		h.RootNodeOffset = int64(root)
	}
	h.NextNodeOffset = binary.BigEndian.Uint32(buf[12:])
	h.DocumentCount = binary.BigEndian.Uint32(buf[16:])
	h.FreeSpaceOffset = binary.BigEndian.Uint32(buf[20:])
	h.Reserved1 = binary.BigEndian.Uint32(buf[24:])
	h.Reserved2 = binary.BigEndian.Uint32(buf[28:])
	return h, nil
}

func (h Header) String() string {
	return fmt.Sprintf("bmdb file v%d: root=%d nextNode=%d docs=%d freeSpace=%d",
		h.Version, h.RootNodeOffset, h.NextNodeOffset, h.DocumentCount, h.FreeSpaceOffset)
}
