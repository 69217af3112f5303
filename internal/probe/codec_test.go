package probe

import (
	"net/netip"
	"testing"
	"time"

	"FlowGuard/internal/model"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodec(t *testing.T) {
	r := require.New(t)
	in := &model.PacketInfo{
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC),
		FiveTuple: model.FiveTuple{
			SrcIP:    netip.MustParseAddr("10.0.0.1"),
			DstIP:    netip.MustParseAddr("2001:db8::1"),
			SrcPort:  5000,
			DstPort:  80,
			Protocol: 6,
		},
		Length: 1514,
	}

	out, err := Unmarshal(Marshal(nil, in))
	r.NoError(err)
	r.True(in.Timestamp.Equal(out.Timestamp))
	r.Equal(in.FiveTuple, out.FiveTuple)
	r.Equal(in.Length, out.Length)
}

func TestCodecMappedAddressIsSentAsIPv4(t *testing.T) {
	in := &model.PacketInfo{FiveTuple: model.FiveTuple{
		SrcIP: netip.MustParseAddr("::ffff:10.0.0.1"),
		DstIP: netip.MustParseAddr("192.0.2.1"),
	}}
	out, err := Unmarshal(Marshal(nil, in))
	require.NoError(t, err)
	require.True(t, out.FiveTuple.SrcIP.Is4())
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	r := require.New(t)
	b := Marshal(nil, &model.PacketInfo{FiveTuple: model.FiveTuple{
		SrcIP: netip.MustParseAddr("10.0.0.1"),
		DstIP: netip.MustParseAddr("192.0.2.1"),
	}})
	b = protowire.AppendTag(b, protowire.Number(100), protowire.VarintType)
	b = protowire.AppendVarint(b, 0x86dd)
	b = protowire.AppendTag(b, protowire.Number(101), protowire.BytesType)
	b = protowire.AppendString(b, "eth0")

	out, err := Unmarshal(b)
	r.NoError(err)
	r.Equal("192.0.2.1", out.FiveTuple.DstIP.String())
}

func TestUnmarshalMalformed(t *testing.T) {
	valid := Marshal(nil, &model.PacketInfo{FiveTuple: model.FiveTuple{
		SrcIP: netip.MustParseAddr("10.0.0.1"),
		DstIP: netip.MustParseAddr("192.0.2.1"),
	}})

	badAddr := protowire.AppendTag(nil, fieldSrcIP, protowire.BytesType)
	badAddr = protowire.AppendBytes(badAddr, []byte{1, 2, 3})

	missingDst := protowire.AppendTag(nil, fieldSrcIP, protowire.BytesType)
	missingDst = protowire.AppendBytes(missingDst, []byte{10, 0, 0, 1})

	bigPort := protowire.AppendTag(append([]byte(nil), valid...), fieldDstPort, protowire.VarintType)
	bigPort = protowire.AppendVarint(bigPort, 70000)

	bigProto := protowire.AppendTag(append([]byte(nil), valid...), fieldProtocol, protowire.VarintType)
	bigProto = protowire.AppendVarint(bigProto, 300)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-1]},
		{"bad address length", badAddr},
		{"missing destination", missingDst},
		{"garbage tag", []byte{0xff, 0xff, 0xff}},
		{"port out of range", bigPort},
		{"protocol out of range", bigProto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}
