// Package wire encodes pba.LogEntry for transport over a real consensus
// engine's header channel, using google.golang.org/protobuf/encoding/protowire
// to hand-roll the varint/length-delimited framing without depending on
// protoc-generated descriptor code: the entry's
// shape is simple enough (three bytes fields and one packed repeated varint
// field) that a generated .pb.go would add ceremony without adding safety.
package wire

import (
	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/pba"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldHeader = protowire.Number(1)
	fieldKey    = protowire.Number(2)
	fieldPbas   = protowire.Number(3)
	fieldSrvID  = protowire.Number(4)
)

// EncodeLogEntry serializes entry as a protobuf-compatible message: field 1
// (bytes) header, field 2 (bytes) key, field 3 (repeated, packed varint)
// pbas, field 4 (bytes) srv_id.
func EncodeLogEntry(entry pba.LogEntry) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldHeader, protowire.BytesType)
	buf = protowire.AppendBytes(buf, entry.Header)
	buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, entry.Key)

	if len(entry.Pbas) > 0 {
		var packed []byte
		for _, p := range entry.Pbas {
			packed = protowire.AppendVarint(packed, uint64(p))
		}
		buf = protowire.AppendTag(buf, fieldPbas, protowire.BytesType)
		buf = protowire.AppendBytes(buf, packed)
	}

	if entry.SrvID != "" {
		buf = protowire.AppendTag(buf, fieldSrvID, protowire.BytesType)
		buf = protowire.AppendBytes(buf, []byte(entry.SrvID))
	}
	return buf
}

// DecodeLogEntry is the inverse of EncodeLogEntry. Unknown fields are
// skipped rather than rejected, the usual protobuf forward-compatibility
// stance.
func DecodeLogEntry(buf []byte) (pba.LogEntry, error) {
	var entry pba.LogEntry
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return pba.LogEntry{}, errs.Wrapf(errs.ErrCorruption, "log entry: bad tag: %v", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case fieldHeader, fieldKey, fieldPbas, fieldSrvID:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return pba.LogEntry{}, errs.Wrapf(errs.ErrCorruption, "log entry: bad field %d: %v", num, protowire.ParseError(n))
			}
			buf = buf[n:]
			switch num {
			case fieldHeader:
				entry.Header = append([]byte(nil), v...)
			case fieldKey:
				entry.Key = append([]byte(nil), v...)
			case fieldPbas:
				pbas, err := decodePackedPbas(v)
				if err != nil {
					return pba.LogEntry{}, err
				}
				entry.Pbas = pbas
			case fieldSrvID:
				entry.SrvID = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return pba.LogEntry{}, errs.Wrapf(errs.ErrCorruption, "log entry: bad unknown field %d: %v", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return entry, nil
}

func decodePackedPbas(buf []byte) ([]pba.PBA, error) {
	var pbas []pba.PBA
	for len(buf) > 0 {
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, errs.Wrapf(errs.ErrCorruption, "log entry: bad packed pba: %v", protowire.ParseError(n))
		}
		pbas = append(pbas, pba.PBA(v))
		buf = buf[n:]
	}
	return pbas, nil
}
