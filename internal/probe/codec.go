package probe

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"FlowGuard/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for payloads that cannot be decoded into a
// complete observation.
var ErrMalformed = errors.New("malformed packet message")

// Field numbers of the packet message.
const (
	fieldTimestamp protowire.Number = 1 // unix nanoseconds
	fieldSrcIP     protowire.Number = 2
	fieldDstIP     protowire.Number = 3
	fieldSrcPort   protowire.Number = 4
	fieldDstPort   protowire.Number = 5
	fieldProtocol  protowire.Number = 6
	fieldLength    protowire.Number = 7
)

// Marshal appends the wire encoding of info to b.
func Marshal(b []byte, info *model.PacketInfo) []byte {
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.Timestamp.UnixNano()))
	b = protowire.AppendTag(b, fieldSrcIP, protowire.BytesType)
	b = protowire.AppendBytes(b, info.FiveTuple.SrcIP.Unmap().AsSlice())
	b = protowire.AppendTag(b, fieldDstIP, protowire.BytesType)
	b = protowire.AppendBytes(b, info.FiveTuple.DstIP.Unmap().AsSlice())
	b = protowire.AppendTag(b, fieldSrcPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.FiveTuple.SrcPort))
	b = protowire.AppendTag(b, fieldDstPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.FiveTuple.DstPort))
	b = protowire.AppendTag(b, fieldProtocol, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.FiveTuple.Protocol))
	b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.Length))
	return b
}

// Unmarshal decodes a packet message. Unknown fields are skipped.
func Unmarshal(data []byte) (*model.PacketInfo, error) {
	info := &model.PacketInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && num != fieldSrcIP && num != fieldDstIP:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldTimestamp:
				info.Timestamp = time.Unix(0, int64(v))
			case fieldSrcPort, fieldDstPort:
				if v > math.MaxUint16 {
					return nil, fmt.Errorf("%w: field %d: port %d out of range", ErrMalformed, num, v)
				}
				if num == fieldSrcPort {
					info.FiveTuple.SrcPort = uint16(v)
				} else {
					info.FiveTuple.DstPort = uint16(v)
				}
			case fieldProtocol:
				if v > math.MaxUint8 {
					return nil, fmt.Errorf("%w: protocol %d out of range", ErrMalformed, v)
				}
				info.FiveTuple.Protocol = uint8(v)
			case fieldLength:
				info.Length = int(v)
			}
		case typ == protowire.BytesType && (num == fieldSrcIP || num == fieldDstIP):
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			data = data[m:]
			addr, ok := netip.AddrFromSlice(v)
			if !ok {
				return nil, fmt.Errorf("%w: address of %d bytes", ErrMalformed, len(v))
			}
			if num == fieldSrcIP {
				info.FiveTuple.SrcIP = addr.Unmap()
			} else {
				info.FiveTuple.DstIP = addr.Unmap()
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}

	if !info.FiveTuple.SrcIP.IsValid() || !info.FiveTuple.DstIP.IsValid() {
		return nil, fmt.Errorf("%w: missing address", ErrMalformed)
	}
	return info, nil
}
