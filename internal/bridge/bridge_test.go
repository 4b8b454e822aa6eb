package bridge

import (
	"bytes"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickproject/uidscope/internal/capture"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

// ethernetUDP 14 字节以太网头 + 46 字节 IP 包，正好 60 字节。
// 更短的帧会被 gopacket 补齐到以太网最小长度，补齐部分也计入 IP 长度。
func ethernetUDP(t *testing.T) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 2},
		DstIP:    net.IP{8, 8, 8, 8},
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(make([]byte, 18)))
}

// rawTCPv6 无链路层头的 60 字节 IPv6 包
func rawTCPv6(t *testing.T) []byte {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolTCP,
		HopLimit:   64,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	tcp := &layers.TCP{SrcPort: 443, DstPort: 50000, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp)
}

func record(h Header, frame []byte) []byte {
	h.Len = uint32(len(frame))
	return append(h.AppendBinary(nil), frame...)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{TsSec: 1700000000, TsUsec: 123456, Len: 54, UID: -1, LinkType: 1, Flags: FlagTX, IfID: 2, Drops: 9}
	b := h.AppendBinary(nil)
	require.Len(t, b, HeaderSize)

	got, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ParseHeader(b[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrDecode)
}

func TestIPOffset(t *testing.T) {
	assert.Equal(t, 0, IPOffset(12))
	assert.Equal(t, 0, IPOffset(101))
	assert.Equal(t, 14, IPOffset(1))
	assert.Equal(t, 16, IPOffset(113))
	assert.Equal(t, 20, IPOffset(276))
	assert.Equal(t, 0, IPOffset(9999))
}

func TestProtocolOf(t *testing.T) {
	frame := ethernetUDP(t)
	assert.Equal(t, layers.IPProtocolUDP, ProtocolOf(frame[14:]))
	assert.Equal(t, layers.IPProtocolTCP, ProtocolOf(rawTCPv6(t)))

	// 只有部分 IPv4 头
	assert.Equal(t, layers.IPProtocolUDP, ProtocolOf(frame[14:14+12]))
	assert.Equal(t, layers.IPProtocol(0), ProtocolOf([]byte{0x45, 0}))
	assert.Equal(t, layers.IPProtocol(0), ProtocolOf(nil))
	assert.Equal(t, layers.IPProtocol(0), ProtocolOf([]byte{0x00, 1, 2, 3}))
}

func TestDecoderEthernetUplink(t *testing.T) {
	frame := ethernetUDP(t)
	var stream bytes.Buffer
	stream.Write(record(Header{TsSec: 10, TsUsec: 20, UID: 10123, LinkType: 1, Flags: FlagTX, IfID: 1, Drops: 3}, frame))

	ev, err := NewDecoder(&stream).Next()
	require.NoError(t, err)
	assert.Equal(t, capture.PacketHeaderEvent{
		UID:         10123,
		TotalLength: 60,
		IPLength:    46,
		Protocol:    layers.IPProtocolUDP,
		Direction:   capture.Egress,
		TsSec:       10,
		TsUsec:      20,
		Drops:       3,
		InterfaceID: 1,
	}, ev)
	assert.True(t, ev.IsUplink())
}

func TestDecoderCountsEthernetPadding(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 0, 0, 2}, DstIP: net.IP{8, 8, 8, 8}}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	frame := serialize(t, eth, ip, udp, gopacket.Payload(make([]byte, 4)))
	require.Len(t, frame, 60)

	ev, err := NewDecoder(bytes.NewReader(record(Header{UID: 1, LinkType: 1}, frame))).Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(60), ev.TotalLength)
	assert.Equal(t, uint32(46), ev.IPLength)
	assert.Equal(t, layers.IPProtocolUDP, ev.Protocol)
}

func TestDecoderSkipsInvalidRecords(t *testing.T) {
	var stream bytes.Buffer

	// 超长记录
	big := Header{Len: Snaplen + 1}
	stream.Write(big.AppendBinary(nil))
	stream.Write(make([]byte, Snaplen+1))
	// 空记录
	stream.Write(Header{}.AppendBinary(nil))
	// 帧比链路层头还短
	stream.Write(record(Header{LinkType: 113}, make([]byte, 8)))
	// 正常记录
	stream.Write(record(Header{UID: 1000, LinkType: 101}, rawTCPv6(t)))

	dec := NewDecoder(&stream)
	for i := 0; i < 3; i++ {
		_, err := dec.Next()
		require.ErrorIs(t, err, ErrDecode, "record %d", i)
	}

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, int32(1000), ev.UID)
	assert.Equal(t, uint32(60), ev.IPLength)
	assert.Equal(t, layers.IPProtocolTCP, ev.Protocol)
	assert.Equal(t, capture.Ingress, ev.Direction)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderTruncatedStream(t *testing.T) {
	b := record(Header{UID: 1, LinkType: 101}, rawTCPv6(t))
	_, err := NewDecoder(bytes.NewReader(b[:len(b)-5])).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, errors.Is(err, ErrDecode))
}

type collector struct {
	mu  sync.Mutex
	evs []capture.PacketHeaderEvent
}

func (c *collector) handle(ev capture.PacketHeaderEvent) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evs)
}

func TestListenerDeliversEvents(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "pcapsock")
	col := &collector{}
	l := NewListener(col.handle)
	require.NoError(t, l.StartListener(sock))
	defer l.Close()

	assert.ErrorIs(t, l.StartListener(sock), ErrListening)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	frame := ethernetUDP(t)
	for i := 0; i < 5; i++ {
		_, err := conn.Write(record(Header{UID: 10001, LinkType: 1, Flags: uint8(i % 2)}, frame))
		require.NoError(t, err)
	}
	_, err = conn.Write(Header{}.AppendBinary(nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return col.len() == 5 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return l.DecodeErrors() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(5), l.Received())
	_ = conn.Close()

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Equal(t, capture.Ingress, col.evs[0].Direction)
	assert.Equal(t, capture.Egress, col.evs[1].Direction)
}

func TestListenerStopAndRestart(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "pcapsock")
	col := &collector{}
	l := NewListener(col.handle)

	require.NoError(t, l.StartListener(sock))
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	// 连接未断开时 StopListener 也必须返回
	done := make(chan struct{})
	go func() {
		l.StopListener()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopListener blocked")
	}
	l.StopListener()

	require.NoError(t, l.StartListener(sock))
	conn2, err := net.Dial("unix", sock)
	require.NoError(t, err)
	_, err = conn2.Write(record(Header{UID: 2000, LinkType: 101}, rawTCPv6(t)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return col.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = conn2.Close()

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.StartListener(sock), ErrClosed)
}

func TestListenerSatisfiesBridge(t *testing.T) {
	var _ capture.Bridge = NewListener(func(capture.PacketHeaderEvent) {})
}
