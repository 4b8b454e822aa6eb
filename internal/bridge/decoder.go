package bridge

import (
	"bufio"
	"fmt"
	"io"

	"github.com/nickproject/uidscope/internal/capture"
)

// Decoder 从字节流中逐条解码 pcapd 记录
type Decoder struct {
	r     *bufio.Reader
	hdr   [HeaderSize]byte
	frame []byte
}

// NewDecoder 创建解码器
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:     bufio.NewReaderSize(r, 64*1024),
		frame: make([]byte, Snaplen),
	}
}

// Next 读取下一条记录。
// 返回 ErrDecode 时该记录已被跳过，可以继续读取；其他错误表示流已结束。
func (d *Decoder) Next() (capture.PacketHeaderEvent, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return capture.PacketHeaderEvent{}, err
	}
	h, err := ParseHeader(d.hdr[:])
	if err != nil {
		return capture.PacketHeaderEvent{}, err
	}

	if h.Len > Snaplen {
		if err := d.skip(int64(h.Len)); err != nil {
			return capture.PacketHeaderEvent{}, err
		}
		return capture.PacketHeaderEvent{}, fmt.Errorf("%w: 帧长度 %d 超过 %d", ErrDecode, h.Len, Snaplen)
	}
	if h.Len == 0 {
		return capture.PacketHeaderEvent{}, fmt.Errorf("%w: 空帧", ErrDecode)
	}

	frame := d.frame[:h.Len]
	if _, err := io.ReadFull(d.r, frame); err != nil {
		return capture.PacketHeaderEvent{}, err
	}

	offset := IPOffset(h.LinkType)
	if int(h.Len) < offset {
		return capture.PacketHeaderEvent{}, fmt.Errorf("%w: 帧长度 %d 小于链路层头 %d", ErrDecode, h.Len, offset)
	}
	ip := frame[offset:]

	dir := capture.Ingress
	if h.Flags&FlagTX != 0 {
		dir = capture.Egress
	}

	return capture.PacketHeaderEvent{
		UID:         h.UID,
		TotalLength: h.Len,
		IPLength:    uint32(len(ip)),
		Protocol:    ProtocolOf(ip),
		Direction:   dir,
		TsSec:       int64(h.TsSec),
		TsUsec:      int64(h.TsUsec),
		Drops:       h.Drops,
		InterfaceID: h.IfID,
	}, nil
}

func (d *Decoder) skip(n int64) error {
	_, err := io.CopyN(io.Discard, d.r, n)
	return err
}
