package capture

import (
	"fmt"
	"time"

	"github.com/google/gopacket/layers"
)

// Direction 流量方向
type Direction uint8

const (
	Ingress Direction = iota // 下行/入站
	Egress                   // 上行/出站
)

func (d Direction) String() string {
	switch d {
	case Ingress:
		return "downlink"
	case Egress:
		return "uplink"
	default:
		return "unknown"
	}
}

// 常见传输层协议
const (
	ProtoICMP   = layers.IPProtocolICMPv4
	ProtoTCP    = layers.IPProtocolTCP
	ProtoUDP    = layers.IPProtocolUDP
	ProtoICMPv6 = layers.IPProtocolICMPv6
)

// UnknownUID pcapd 无法归属进程时上报的 UID
const UnknownUID int32 = -1

// PacketHeaderEvent 守护进程上报的数据包头事件
type PacketHeaderEvent struct {
	UID         int32
	TotalLength uint32 // 完整帧长度
	IPLength    uint32 // IP 层长度 (帧长度 - 链路层偏移)
	Protocol    layers.IPProtocol
	Direction   Direction
	TsSec       int64
	TsUsec      int64
	Drops       uint32 // 守护进程累计丢包数
	InterfaceID uint8
}

// IsUplink 是否为上行包
func (e PacketHeaderEvent) IsUplink() bool {
	return e.Direction == Egress
}

// Time 返回抓包时间
func (e PacketHeaderEvent) Time() time.Time {
	return time.Unix(e.TsSec, e.TsUsec*int64(time.Microsecond))
}

// String 用于调试日志
func (e PacketHeaderEvent) String() string {
	return fmt.Sprintf("uid=%d len=%d ip=%d proto=%s dir=%s ts=%d.%06d drops=%d if=%d",
		e.UID, e.TotalLength, e.IPLength, e.Protocol, e.Direction, e.TsSec, e.TsUsec, e.Drops, e.InterfaceID)
}
