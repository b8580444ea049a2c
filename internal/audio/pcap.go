package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// rtpPayloadPCMU G.711 μ-law 的 RTP 负载类型
const rtpPayloadPCMU = 0

// OpenPcap 读取抓包文件中的 RTP 音频，作为播放源
func OpenPcap(filename string, frameSize int) (*BufferSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("打开PCAP文件失败: %v", err)
	}
	defer f.Close()

	payloads, err := ReadRTPPayloads(f)
	if err != nil {
		return nil, err
	}
	var data []byte
	for _, p := range payloads {
		data = append(data, p...)
	}
	return NewBufferSource(data, frameSize), nil
}

// ReadRTPPayloads 按抓包顺序提取 PCMU RTP 负载
func ReadRTPPayloads(r io.Reader) ([][]byte, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("解析PCAP文件失败: %v", err)
	}

	var payloads [][]byte
	for {
		data, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取数据包失败: %v", err)
		}

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			continue
		}
		if payload, ok := rtpPayload(udp.Payload); ok {
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}

// rtpPayload 去掉 RTP 头部（含 CSRC、扩展头与填充），仅接受 PCMU
func rtpPayload(data []byte) ([]byte, bool) {
	if len(data) < 12 || data[0]>>6 != 2 {
		return nil, false
	}
	if data[1]&0x7f != rtpPayloadPCMU {
		return nil, false
	}
	offset := 12 + int(data[0]&0x0f)*4
	if data[0]&0x10 != 0 {
		if len(data) < offset+4 {
			return nil, false
		}
		extLen := int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4 + extLen*4
	}
	end := len(data)
	if data[0]&0x20 != 0 && end > 0 {
		end -= int(data[end-1])
	}
	if offset >= end {
		return nil, false
	}
	payload := make([]byte, end-offset)
	copy(payload, data[offset:end])
	return payload, true
}
