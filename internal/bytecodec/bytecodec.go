// Package bytecodec provides the low-level byte primitives shared by the
// wire codec, the UDP tracker protocol, and metainfo hashing: big-endian
// integer packing and SHA-1 digests.
package bytecodec

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
)

// Size of a SHA-1 digest, and of a BitTorrent info-hash / peer id.
const HashSize = sha1.Size

// PutUint32 writes v to b[:4] in big-endian order.
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// Uint32 reads a big-endian uint32 from b[:4].
func Uint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// PutUint64 writes v to b[:8] in big-endian order.
func PutUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

// Uint64 reads a big-endian uint64 from b[:8].
func Uint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// PutUint16 writes v to b[:2] in big-endian order.
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// Uint16 reads a big-endian uint16 from b[:2].
func Uint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// SHA1 returns the SHA-1 digest of data.
func SHA1(data []byte) [HashSize]byte { return sha1.Sum(data) }

// HexEncode returns the lowercase hex encoding of a digest.
func HexEncode(h [HashSize]byte) string { return hex.EncodeToString(h[:]) }
