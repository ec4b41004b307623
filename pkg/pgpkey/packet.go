// Package pgpkey implements just enough of RFC 4880 to parse a raw
// OpenPGP public-key block: packet framing (old and new format),
// computing a v4 fingerprint, extracting the first User ID, and
// hashing the whole raw block to its canonical digest. This is a
// direct generalization of the original's key.c (parse_packet_header,
// get_key_id, parse_key_metadata, parse_from_dump).
package pgpkey

import (
	"crypto/sha1"
	"encoding/binary"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/digest"
)

// packet tags relevant to this parser; every other tag is skipped.
const (
	tagPublicKey = 6
	tagUserID    = 13
)

// header describes one parsed packet framing: its type, the length of
// the header itself, and the length of the packet body.
type header struct {
	tag     int
	hdrLen  int
	bodyLen int
}

// parseHeader parses one packet header at the start of pkt, per
// RFC 4880 §4.2 (both old and new format framing).
func parseHeader(pkt []byte) (header, error) {
	if len(pkt) == 0 {
		return header{}, status.Error(codes.InvalidArgument, "pgpkey: empty packet")
	}
	b0 := pkt[0]
	if b0&0x80 == 0 {
		return header{}, status.Error(codes.InvalidArgument, "pgpkey: packet tag bit not set")
	}
	newFormat := b0&0x40 != 0

	if newFormat {
		tag := int(b0 & 0x3F)
		if len(pkt) < 2 {
			return header{}, status.Error(codes.InvalidArgument, "pgpkey: truncated new-format header")
		}
		b1 := pkt[1]
		switch {
		case b1 < 192:
			return header{tag: tag, hdrLen: 2, bodyLen: int(b1)}, nil
		case b1 < 224:
			if len(pkt) < 3 {
				return header{}, status.Error(codes.InvalidArgument, "pgpkey: truncated new-format header")
			}
			return header{tag: tag, hdrLen: 3, bodyLen: (int(b1)-192)<<8 + int(pkt[2]) + 192}, nil
		case b1 == 255:
			if len(pkt) < 6 {
				return header{}, status.Error(codes.InvalidArgument, "pgpkey: truncated new-format header")
			}
			return header{tag: tag, hdrLen: 6, bodyLen: int(binary.BigEndian.Uint32(pkt[2:6]))}, nil
		default:
			return header{}, status.Error(codes.InvalidArgument, "pgpkey: partial body lengths unsupported")
		}
	}

	tag := int((b0 >> 2) & 0xF)
	lengthType := b0 & 0x3
	switch lengthType {
	case 0:
		if len(pkt) < 2 {
			return header{}, status.Error(codes.InvalidArgument, "pgpkey: truncated old-format header")
		}
		return header{tag: tag, hdrLen: 2, bodyLen: int(pkt[1])}, nil
	case 1:
		if len(pkt) < 3 {
			return header{}, status.Error(codes.InvalidArgument, "pgpkey: truncated old-format header")
		}
		return header{tag: tag, hdrLen: 3, bodyLen: int(binary.BigEndian.Uint16(pkt[1:3]))}, nil
	case 2:
		if len(pkt) < 5 {
			return header{}, status.Error(codes.InvalidArgument, "pgpkey: truncated old-format header")
		}
		return header{tag: tag, hdrLen: 5, bodyLen: int(binary.BigEndian.Uint32(pkt[1:5]))}, nil
	default:
		return header{}, status.Error(codes.InvalidArgument, "pgpkey: indeterminate-length old-format packets unsupported")
	}
}

// Key is an immutable parsed record for one OpenPGP public-key block.
type Key struct {
	raw         []byte
	digest      digest.Digest
	version     int
	fingerprint digest.Digest
	userID      []byte
}

// Raw returns the complete owned public-key block this Key was parsed
// from.
func (k *Key) Raw() []byte { return k.raw }

// Digest returns SHA1(raw), the whole-key digest used as the store and
// index key.
func (k *Key) Digest() digest.Digest { return k.digest }

// Version returns the OpenPGP key packet version (only 4 is
// supported; Parse rejects version 3).
func (k *Key) Version() int { return k.version }

// Fingerprint returns the v4 fingerprint: SHA1(0x99 || u16be(len) || body).
func (k *Key) Fingerprint() digest.Digest { return k.fingerprint }

// ID64 returns the low 64 bits of the fingerprint.
func (k *Key) ID64() uint64 { return k.fingerprint.Low64() }

// ID32 returns the low 32 bits of the fingerprint.
func (k *Key) ID32() uint32 { return k.fingerprint.Low32() }

// UserID returns the payload of the first User-ID packet, or nil if
// the block has none.
func (k *Key) UserID() []byte { return k.userID }

// Parse parses one OpenPGP public-key block: a v4 public-key packet
// followed by arbitrary other packets. Rejects v3 public-key packets,
// truncated packets, and unknown/partial length encodings with
// codes.InvalidArgument (MalformedInput).
func Parse(raw []byte) (*Key, error) {
	k := &Key{
		raw:    append([]byte(nil), raw...),
		digest: sha1.Sum(raw),
	}

	offset := 0
	sawPublicKey := false
	for offset < len(k.raw) {
		h, err := parseHeader(k.raw[offset:])
		if err != nil {
			return nil, err
		}
		if offset+h.hdrLen+h.bodyLen > len(k.raw) {
			return nil, status.Error(codes.InvalidArgument, "pgpkey: packet extends beyond end of block")
		}
		body := k.raw[offset+h.hdrLen : offset+h.hdrLen+h.bodyLen]

		switch h.tag {
		case tagPublicKey:
			if err := parsePublicKeyBody(k, body); err != nil {
				return nil, err
			}
			sawPublicKey = true
		case tagUserID:
			if k.userID == nil {
				k.userID = append([]byte(nil), body...)
			}
		}

		offset += h.hdrLen + h.bodyLen
	}

	if !sawPublicKey {
		return nil, status.Error(codes.InvalidArgument, "pgpkey: no public-key packet found")
	}
	if k.userID == nil {
		k.userID = []byte{}
	}
	return k, nil
}

// parsePublicKeyBody computes the v4 fingerprint and key IDs for a
// public-key packet body, per get_key_id in the original key.c.
func parsePublicKeyBody(k *Key, body []byte) error {
	if len(body) == 0 {
		return status.Error(codes.InvalidArgument, "pgpkey: empty public-key packet body")
	}
	if body[0] == 3 {
		return status.Error(codes.InvalidArgument, "pgpkey: v3 public keys are not supported")
	}
	if body[0] != 4 {
		return status.Errorf(codes.InvalidArgument, "pgpkey: unsupported public-key packet version %d", body[0])
	}

	buf := make([]byte, 0, len(body)+3)
	buf = append(buf, 0x99)
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(body)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, body...)

	k.version = 4
	k.fingerprint = sha1.Sum(buf)
	return nil
}

// SplitDump splits a byte stream holding many concatenated public-key
// blocks into the individual blocks, the way the original's
// parse_from_dump walked packet-by-packet, starting a new key at each
// second public-key packet and ending at EOF. This is the streaming
// multi-key extraction SPEC_FULL.md §4 restores from the original.
func SplitDump(data []byte) ([][]byte, error) {
	var blocks [][]byte
	start := 0
	offset := 0
	seenPublicKey := false

	for offset < len(data) {
		h, err := parseHeader(data[offset:])
		if err != nil {
			return nil, err
		}
		if h.tag == tagPublicKey {
			if seenPublicKey {
				blocks = append(blocks, data[start:offset])
				start = offset
			}
			seenPublicKey = true
		}
		next := offset + h.hdrLen + h.bodyLen
		if next > len(data) {
			return nil, status.Error(codes.InvalidArgument, "pgpkey: packet extends beyond end of dump")
		}
		offset = next
	}
	if seenPublicKey {
		blocks = append(blocks, data[start:offset])
	}
	return blocks, nil
}
