package audio

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSourceFrames(t *testing.T) {
	data := bytes.Repeat([]byte{0x10}, FrameSize*2+10)
	src := NewBufferSource(data, 0)
	assert.Equal(t, 3, src.Len())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		frame, err := src.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Len(t, frame, FrameSize)
	}
	last, err := src.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), last[9])
	assert.Equal(t, byte(silence), last[10])

	_, err = src.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBufferSourceSeek(t *testing.T) {
	data := make([]byte, FrameSize*5)
	for i := range data {
		data[i] = byte(i / FrameSize)
	}
	src := NewBufferSource(data, FrameSize)
	ctx := context.Background()

	src.Seek(3)
	frame, err := src.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(3), frame[0])

	src.Seek(-100)
	frame, err = src.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0), frame[0])

	src.Seek(100)
	_, err = src.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBufferSourcePause(t *testing.T) {
	src := NewBufferSource(bytes.Repeat([]byte{0x42}, FrameSize*2), FrameSize)
	var _ Controller = src
	ctx := context.Background()

	src.Pause()
	assert.True(t, src.Paused())
	for i := 0; i < 3; i++ {
		frame, err := src.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{silence}, FrameSize), frame)
	}
	assert.Equal(t, 0, src.Position())

	src.Resume()
	frame, err := src.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), frame[0])
	assert.Equal(t, 1, src.Position())
}

func TestBufferSourceClosed(t *testing.T) {
	src := NewBufferSource([]byte{1}, FrameSize)
	require.NoError(t, src.Close())
	_, err := src.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrSourceClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewBufferSource([]byte{1}, FrameSize).ReadFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func rtpPacket(seq uint16, payloadType byte, csrc int, payload []byte) []byte {
	header := make([]byte, 12+csrc*4)
	header[0] = 0x80 | byte(csrc)
	header[1] = payloadType
	header[2] = byte(seq >> 8)
	header[3] = byte(seq)
	return append(header, payload...)
}

func writeCapture(t *testing.T, w io.Writer, udpPayloads ...[]byte) {
	t.Helper()
	pw := pcapgo.NewWriter(w)
	require.NoError(t, pw.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i, p := range udpPayloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 0, 2),
		}
		udp := &layers.UDP{SrcPort: 16384, DstPort: 16386}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p)))

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1714557600, int64(i)*int64(20*time.Millisecond)),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, pw.WritePacket(ci, data))
	}
}

func TestReadRTPPayloads(t *testing.T) {
	var capture bytes.Buffer
	writeCapture(t, &capture,
		rtpPacket(1, rtpPayloadPCMU, 0, bytes.Repeat([]byte{0x01}, FrameSize)),
		rtpPacket(2, 8, 0, bytes.Repeat([]byte{0x02}, FrameSize)), // PCMA 被忽略
		rtpPacket(3, rtpPayloadPCMU, 2, bytes.Repeat([]byte{0x03}, FrameSize)),
		[]byte("not rtp"),
	)

	payloads, err := ReadRTPPayloads(&capture)
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, FrameSize), payloads[0])
	assert.Equal(t, bytes.Repeat([]byte{0x03}, FrameSize), payloads[1])
}

func TestOpenPcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	writeCapture(t, f,
		rtpPacket(1, rtpPayloadPCMU, 0, bytes.Repeat([]byte{0x05}, FrameSize)),
		rtpPacket(2, rtpPayloadPCMU, 0, bytes.Repeat([]byte{0x06}, FrameSize/2)),
	)
	require.NoError(t, f.Close())

	src, err := OpenPcap(path, FrameSize)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())

	_, err = OpenPcap(filepath.Join(t.TempDir(), "missing.pcap"), FrameSize)
	assert.Error(t, err)

	_, err = ReadRTPPayloads(bytes.NewReader([]byte("garbage")))
	assert.Error(t, err)
}

func TestRTPPayloadPadding(t *testing.T) {
	pkt := rtpPacket(1, rtpPayloadPCMU, 0, []byte{9, 9, 9, 0, 0, 3})
	pkt[0] |= 0x20
	payload, ok := rtpPayload(pkt)
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9, 9}, payload)

	_, ok = rtpPayload([]byte{0x80})
	assert.False(t, ok)
}
