// Package rdb implements a bootstrap-only RDB reader: enough of the
// format to parse the fixed empty-database blob exchanged during the
// replication handshake and any string-keyed snapshot found on disk at
// startup. There is no writer.
package rdb

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	opAux          = 0xFA
	opSelectDB     = 0xFE
	opResizeDB     = 0xFB
	opExpireTimeMs = 0xFC
	opExpireTime   = 0xFD
	opEOF          = 0xFF
)

// lengthKind is the top-2-bit tag of a length-encoded field's first
// byte: a 6-bit, 14-bit, or 32-bit length, or one of the special
// integer encodings.
type lengthKind int

const (
	length6Bit lengthKind = iota
	length14Bit
	length32Bit
	lengthSpecial
)

// specialEncoding identifies which of the 0/1/2 special integer
// encodings a lengthSpecial byte selects.
const (
	encInt8  = 0
	encInt16 = 1
	encInt32 = 2
)

// EmptyRDB is the fixed 88-byte canonical empty-database snapshot a
// master sends to a freshly synced replica.
var EmptyRDB = func() []byte {
	const b64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		panic("rdb: invalid embedded empty-RDB blob: " + err.Error())
	}
	return data
}()

// Entry is one key loaded from an RDB file.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time // zero value means no expiry
}

// Load parses an RDB file from r and returns the live (non-expired as
// of now) string entries it contains. Non-string value types are not
// loaded; see the default case of the opcode loop for how far skipping
// them works.
//
// Load is best-effort: a malformed file is reported as an error so the
// caller can log it and continue with an empty keyspace.
func Load(r io.Reader, now time.Time) ([]Entry, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, 9)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("rdb: reading header: %w", err)
	}
	if string(magic[:5]) != "REDIS" {
		return nil, fmt.Errorf("rdb: bad magic %q", magic[:5])
	}

	var entries []Entry
	var pendingExpiry time.Time
	hasPendingExpiry := false

	for {
		opcode, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("rdb: reading opcode: %w", err)
		}

		switch opcode {
		case opEOF:
			return entries, nil

		case opSelectDB:
			if _, _, _, err := readLength(br); err != nil {
				return nil, fmt.Errorf("rdb: SELECTDB: %w", err)
			}

		case opResizeDB:
			if _, _, _, err := readLength(br); err != nil {
				return nil, fmt.Errorf("rdb: RESIZEDB hash size: %w", err)
			}
			if _, _, _, err := readLength(br); err != nil {
				return nil, fmt.Errorf("rdb: RESIZEDB expire size: %w", err)
			}

		case opAux:
			if _, err := readString(br); err != nil {
				return nil, fmt.Errorf("rdb: AUX key: %w", err)
			}
			if _, err := readString(br); err != nil {
				return nil, fmt.Errorf("rdb: AUX value: %w", err)
			}

		case opExpireTimeMs:
			var ms uint64
			if err := binary.Read(br, binary.LittleEndian, &ms); err != nil {
				return nil, fmt.Errorf("rdb: EXPIRETIME_MS: %w", err)
			}
			pendingExpiry = time.UnixMilli(int64(ms))
			hasPendingExpiry = true

		case opExpireTime:
			var sec uint32
			if err := binary.Read(br, binary.LittleEndian, &sec); err != nil {
				return nil, fmt.Errorf("rdb: EXPIRETIME: %w", err)
			}
			pendingExpiry = time.Unix(int64(sec), 0)
			hasPendingExpiry = true

		case 0: // string-encoded value type (the only value type rkv stores)
			key, err := readString(br)
			if err != nil {
				return nil, fmt.Errorf("rdb: key: %w", err)
			}
			val, err := readString(br)
			if err != nil {
				return nil, fmt.Errorf("rdb: value: %w", err)
			}

			expiry := time.Time{}
			expired := false
			if hasPendingExpiry {
				expiry = pendingExpiry
				expired = !now.Before(pendingExpiry)
				hasPendingExpiry = false
			}
			if !expired {
				entries = append(entries, Entry{Key: key, Value: []byte(val), ExpiresAt: expiry})
			}

		default:
			// Unknown/unsupported value type opcode (list/hash/set/
			// etc.): the key and the value are each read as one
			// length-encoded string and discarded. This skips values
			// stored as a single string blob (ziplist, listpack,
			// intset); encodings made of several parts (plain list,
			// set, sorted set, hash, quicklist) are not skipped
			// correctly, and the bytes after them are misread.
			if _, err := readString(br); err != nil {
				return nil, fmt.Errorf("rdb: skipping key for type 0x%02x: %w", opcode, err)
			}
			if _, err := readString(br); err != nil {
				return nil, fmt.Errorf("rdb: skipping value for type 0x%02x: %w", opcode, err)
			}
			hasPendingExpiry = false
		}
	}
}

// readLength reads a length-encoded field. When the first byte's top
// two bits select the special-integer encoding, isSpecial is true and
// selector holds the 0/1/2 sub-encoding; n is meaningless in that case.
func readLength(br *bufio.Reader) (n uint64, isSpecial bool, selector byte, err error) {
	first, err := br.ReadByte()
	if err != nil {
		return 0, false, 0, err
	}

	switch lengthKind((first & 0xC0) >> 6) {
	case length6Bit:
		return uint64(first & 0x3F), false, 0, nil

	case length14Bit:
		second, err := br.ReadByte()
		if err != nil {
			return 0, false, 0, err
		}
		return uint64(first&0x3F)<<8 | uint64(second), false, 0, nil

	case length32Bit:
		var buf [4]byte
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return 0, false, 0, err
		}
		return uint64(binary.BigEndian.Uint32(buf[:])), false, 0, nil

	case lengthSpecial:
		return 0, true, first & 0x3F, nil

	default:
		return 0, false, 0, fmt.Errorf("rdb: unreachable length kind")
	}
}

// readString reads a length-encoded string, transparently expanding
// the special integer encodings (selectors 0/1/2 for 1/2/4-byte
// little-endian integers) into their decimal string form, matching
// how Redis itself represents an integer-encoded string value.
func readString(br *bufio.Reader) (string, error) {
	n, isSpecial, selector, err := readLength(br)
	if err != nil {
		return "", err
	}
	if isSpecial {
		return readSpecialInt(br, selector)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readSpecialInt(br *bufio.Reader, selector byte) (string, error) {
	switch selector {
	case encInt8:
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int8(b)), nil

	case encInt16:
		var buf [2]byte
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(buf[:]))), nil

	case encInt32:
		var buf [4]byte
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(buf[:]))), nil

	default:
		return "", fmt.Errorf("rdb: unsupported special length encoding %d (LZF compression is not implemented)", selector)
	}
}
