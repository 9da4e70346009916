package resp

import (
	"bytes"
	"math"
	"strconv"
)

// Encode serializes v into its wire representation. Encode is the
// exact inverse of Decode except for the documented Null/empty-string
// conflation (see NullBulkString / the $-1 shortcut).
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindSimpleString:
		buf.WriteByte('+')
		buf.WriteString(v.Str)
		buf.WriteString("\r\n")
	case KindSimpleError:
		buf.WriteByte('-')
		buf.WriteString(v.Str)
		buf.WriteString("\r\n")
	case KindInteger:
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteString("\r\n")
	case KindBulkString:
		if v.Null {
			buf.WriteString("$-1\r\n")
			return
		}
		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(len(v.Bulk)))
		buf.WriteString("\r\n")
		buf.Write(v.Bulk)
		buf.WriteString("\r\n")
	case KindArray:
		if v.Null {
			buf.WriteString("*-1\r\n")
			return
		}
		buf.WriteByte('*')
		buf.WriteString(strconv.Itoa(len(v.Items)))
		buf.WriteString("\r\n")
		for _, item := range v.Items {
			encodeInto(buf, item)
		}
	case KindNull:
		buf.WriteString("_\r\n")
	case KindBoolean:
		buf.WriteByte('#')
		if v.Bool {
			buf.WriteByte('t')
		} else {
			buf.WriteByte('f')
		}
		buf.WriteString("\r\n")
	case KindDouble:
		buf.WriteByte(',')
		buf.WriteString(formatDouble(v.Float))
		buf.WriteString("\r\n")
	case KindBigNumber:
		buf.WriteByte('(')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteString("\r\n")
	case KindBulkError:
		buf.WriteByte('!')
		buf.WriteString(strconv.Itoa(len(v.Bulk)))
		buf.WriteString("\r\n")
		buf.Write(v.Bulk)
		buf.WriteString("\r\n")
	case KindVerbatimString:
		payload := v.VerbatimEncoding + ":" + v.VerbatimText
		buf.WriteByte('=')
		buf.WriteString(strconv.Itoa(len(payload)))
		buf.WriteString("\r\n")
		buf.WriteString(payload)
		buf.WriteString("\r\n")
	case KindMap:
		buf.WriteByte('%')
		buf.WriteString(strconv.Itoa(len(v.Pairs)))
		buf.WriteString("\r\n")
		for _, p := range v.Pairs {
			encodeInto(buf, p.Key)
			encodeInto(buf, p.Value)
		}
	case KindSet:
		buf.WriteByte('~')
		buf.WriteString(strconv.Itoa(len(v.Items)))
		buf.WriteString("\r\n")
		for _, item := range v.Items {
			encodeInto(buf, item)
		}
	case KindRDBFile:
		// No trailing CRLF after the RDB body, matching what a real
		// master emits on the replication bootstrap frame.
		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(len(v.Bulk)))
		buf.WriteString("\r\n")
		buf.Write(v.Bulk)
	}
}

func formatDouble(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// EncodedLen returns the exact number of bytes Encode(v) would
// produce. Used on the master side to size master_repl_offset
// advances for values it constructs itself (broadcast commands,
// GETACK). The replica side must never use this on a decoded value to
// recover a frame length — it must count the original inbound byte
// slice, since the decoder doesn't promise a canonical re-encoding.
func EncodedLen(v Value) int {
	return len(Encode(v))
}
