// Package armor implements the ASCII-armor codec used to frame key
// blobs for wire transport: base64 with a trailing CRC-24, wrapped in
// the PGP public-key-block header/footer. This generalizes the
// original's ascii_armor_keys/ascii_parse_key from key.c, delegating
// the base64 framing itself to the standard library (see DESIGN.md:
// no third-party base64 implementation appears anywhere in the
// example pack, and RFC 4880's base64 alphabet is exactly
// encoding/base64's standard alphabet).
package armor

import (
	"bufio"
	"encoding/base64"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	beginLine = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	endLine   = "-----END PGP PUBLIC KEY BLOCK-----"

	crc24Init = 0xB704CE
	crc24Poly = 0x1864CFB
	lineWidth = 64
)

// crc24 computes the RFC 4880 §6.1 CRC-24 checksum of data.
func crc24(data []byte) uint32 {
	crc := uint32(crc24Init)
	for _, b := range data {
		crc ^= uint32(b) << 16
		for i := 0; i < 8; i++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= crc24Poly
			}
		}
	}
	return crc & 0xFFFFFF
}

// Encode frames one or more concatenated key blobs as an ASCII-armored
// PGP public-key block.
func Encode(blobs ...[]byte) string {
	var body []byte
	for _, b := range blobs {
		body = append(body, b...)
	}

	encoded := base64.StdEncoding.EncodeToString(body)

	var sb strings.Builder
	sb.WriteString(beginLine)
	sb.WriteString("\n\n")
	for i := 0; i < len(encoded); i += lineWidth {
		end := i + lineWidth
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
		sb.WriteByte('\n')
	}

	var crcBuf [3]byte
	crc := crc24(body)
	crcBuf[0] = byte(crc >> 16)
	crcBuf[1] = byte(crc >> 8)
	crcBuf[2] = byte(crc)
	sb.WriteByte('=')
	sb.WriteString(base64.StdEncoding.EncodeToString(crcBuf[:]))
	sb.WriteByte('\n')
	sb.WriteString(endLine)
	return sb.String()
}

// Decode parses an ASCII-armored PGP public-key block back into its
// raw bytes, verifying the CRC-24 checksum. Whitespace inside the body
// is ignored; the base64 payload's length, modulo 4, must be zero, and
// at most two '=' padding characters are accepted.
func Decode(armored string) ([]byte, error) {
	beginIdx := strings.Index(armored, beginLine)
	if beginIdx < 0 {
		return nil, status.Error(codes.InvalidArgument, "armor: missing BEGIN header")
	}
	endIdx := strings.Index(armored, endLine)
	if endIdx < 0 || endIdx < beginIdx {
		return nil, status.Error(codes.InvalidArgument, "armor: missing END footer")
	}

	inner := armored[beginIdx+len(beginLine) : endIdx]

	sc := bufio.NewScanner(strings.NewReader(inner))
	var lines []string
	for sc.Scan() {
		line := strings.Join(strings.Fields(sc.Text()), "")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, status.Error(codes.InvalidArgument, "armor: empty body")
	}

	crcLine := lines[len(lines)-1]
	if !strings.HasPrefix(crcLine, "=") || len(crcLine) != 5 {
		return nil, status.Error(codes.InvalidArgument, "armor: malformed CRC line")
	}
	crcBytes, err := base64.StdEncoding.DecodeString(crcLine[1:])
	if err != nil || len(crcBytes) != 3 {
		return nil, status.Error(codes.InvalidArgument, "armor: malformed CRC encoding")
	}
	wantCRC := uint32(crcBytes[0])<<16 | uint32(crcBytes[1])<<8 | uint32(crcBytes[2])

	b64 := strings.Join(lines[:len(lines)-1], "")
	if len(b64)%4 != 0 {
		return nil, status.Error(codes.InvalidArgument, "armor: base64 length not a multiple of 4")
	}
	if strings.Count(b64, "=") > 2 {
		return nil, status.Error(codes.InvalidArgument, "armor: too many padding characters")
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "armor: malformed base64 body: %s", err)
	}

	if crc24(data) != wantCRC {
		return nil, status.Error(codes.InvalidArgument, "armor: CRC-24 mismatch")
	}
	return data, nil
}
