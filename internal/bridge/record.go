// Package bridge 接收 pcapd 通过 unix socket 输出的记录，解码为包头事件。
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// pcapd 记录格式 (小端)：
//
//	0  ts_sec    u64
//	8  ts_usec   u64
//	16 len       u32  后续帧长度
//	20 uid       i32
//	24 linktype  u16
//	26 flags     u8   bit0 = TX
//	27 ifid      u8
//	28 pkt_drops u32
const (
	HeaderSize = 32
	Snaplen    = 65535
	FlagTX     = 0x01
)

// gopacket 未定义的链路类型
const (
	linkTypeRawBSD    = 12
	linkTypeLinuxSLL2 = 276
)

// ErrDecode 记录无法解码，调用方跳过即可
var ErrDecode = errors.New("pcapd 记录解码失败")

// Header pcapd 记录头
type Header struct {
	TsSec    uint64
	TsUsec   uint64
	Len      uint32
	UID      int32
	LinkType uint16
	Flags    uint8
	IfID     uint8
	Drops    uint32
}

// ParseHeader 解析记录头
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: 记录头不足 %d 字节", ErrDecode, HeaderSize)
	}
	return Header{
		TsSec:    binary.LittleEndian.Uint64(b[0:8]),
		TsUsec:   binary.LittleEndian.Uint64(b[8:16]),
		Len:      binary.LittleEndian.Uint32(b[16:20]),
		UID:      int32(binary.LittleEndian.Uint32(b[20:24])),
		LinkType: binary.LittleEndian.Uint16(b[24:26]),
		Flags:    b[26],
		IfID:     b[27],
		Drops:    binary.LittleEndian.Uint32(b[28:32]),
	}, nil
}

// AppendBinary 按记录头格式编码
func (h Header) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, h.TsSec)
	b = binary.LittleEndian.AppendUint64(b, h.TsUsec)
	b = binary.LittleEndian.AppendUint32(b, h.Len)
	b = binary.LittleEndian.AppendUint32(b, uint32(h.UID))
	b = binary.LittleEndian.AppendUint16(b, h.LinkType)
	b = append(b, h.Flags, h.IfID)
	b = binary.LittleEndian.AppendUint32(b, h.Drops)
	return b
}

// IPOffset 返回链路层头长度，未知类型按 0 处理
func IPOffset(linkType uint16) int {
	switch linkType {
	case linkTypeRawBSD, uint16(layers.LinkTypeRaw):
		return 0
	case uint16(layers.LinkTypeEthernet):
		return 14
	case uint16(layers.LinkTypeLinuxSLL):
		return 16
	case linkTypeLinuxSLL2:
		return 20
	default:
		return 0
	}
}

// ProtocolOf 从 IP 头取传输层协议，无法识别时返回 0
func ProtocolOf(ip []byte) layers.IPProtocol {
	if len(ip) == 0 {
		return 0
	}
	switch ip[0] >> 4 {
	case 4:
		var v4 layers.IPv4
		if err := v4.DecodeFromBytes(ip, gopacket.NilDecodeFeedback); err == nil {
			return v4.Protocol
		}
		// 截断的头部仍可能带协议字段
		if len(ip) >= 10 {
			return layers.IPProtocol(ip[9])
		}
	case 6:
		var v6 layers.IPv6
		if err := v6.DecodeFromBytes(ip, gopacket.NilDecodeFeedback); err == nil {
			return v6.NextHeader
		}
		if len(ip) >= 7 {
			return layers.IPProtocol(ip[6])
		}
	}
	return 0
}
