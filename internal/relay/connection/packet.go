package connection

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// --- 弹幕 WebSocket 协议常量 ---
const (
	opHeartbeat      uint32 = 2
	opHeartbeatReply uint32 = 3
	opMessage        uint32 = 5
	opUserAuth       uint32 = 7
	opConnectSuccess uint32 = 8

	// 协议版本 (对应 protoVer 字段)
	protoVerRaw        uint16 = 0 // Body 为 JSON
	protoVerPopularity uint16 = 1 // Body 为 Int32 人气值
	protoVerZlib       uint16 = 2 // Body 为 Zlib 压缩的多个包
	protoVerBrotli     uint16 = 3 // Body 为 Brotli 压缩的多个包

	packetHeaderLength = 16
)

// packet 一个已切分的协议包，body 不含头部
type packet struct {
	protoVer uint16
	op       uint32
	body     []byte
}

// encodePacket 组装一个未压缩的协议包，序列号固定为 1
func encodePacket(op uint32, body []byte) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(packetHeaderLength+len(body)))
	_ = binary.Write(buf, binary.BigEndian, uint16(packetHeaderLength))
	_ = binary.Write(buf, binary.BigEndian, protoVerRaw)
	_ = binary.Write(buf, binary.BigEndian, op)
	_ = binary.Write(buf, binary.BigEndian, uint32(1))
	buf.Write(body)
	return buf.Bytes()
}

// splitPackets 按头部声明的长度切分连续数据包
func splitPackets(data []byte) ([]packet, error) {
	var out []packet
	for cursor := 0; cursor < len(data); {
		rest := data[cursor:]
		if len(rest) < packetHeaderLength {
			return nil, fmt.Errorf("truncated packet header: %d bytes left", len(rest))
		}
		packLen := int(binary.BigEndian.Uint32(rest[0:4]))
		headerLen := int(binary.BigEndian.Uint16(rest[4:6]))
		protoVer := binary.BigEndian.Uint16(rest[6:8])
		op := binary.BigEndian.Uint32(rest[8:12])
		if packLen < packetHeaderLength || packLen > len(rest) {
			return nil, fmt.Errorf("invalid packet length %d (remaining %d)", packLen, len(rest))
		}
		if headerLen < packetHeaderLength || headerLen > packLen {
			return nil, fmt.Errorf("invalid header length %d (packet %d)", headerLen, packLen)
		}
		out = append(out, packet{protoVer: protoVer, op: op, body: rest[headerLen:packLen]})
		cursor += packLen
	}
	return out, nil
}

// flattenFrame 切分一帧并展开 zlib/brotli 批次，返回全部顶层业务包。
// 压缩包体内是又一串完整协议包，递归展开。
func flattenFrame(data []byte) ([]packet, error) {
	pkts, err := splitPackets(data)
	if err != nil {
		return nil, err
	}
	var out []packet
	for _, p := range pkts {
		switch p.protoVer {
		case protoVerZlib:
			reader, err := zlib.NewReader(bytes.NewReader(p.body))
			if err != nil {
				return nil, fmt.Errorf("zlib reader: %w", err)
			}
			expanded, err := io.ReadAll(reader)
			_ = reader.Close()
			if err != nil {
				return nil, fmt.Errorf("zlib inflate: %w", err)
			}
			sub, err := flattenFrame(expanded)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		case protoVerBrotli:
			expanded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(p.body)))
			if err != nil {
				return nil, fmt.Errorf("brotli inflate: %w", err)
			}
			sub, err := flattenFrame(expanded)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		default:
			out = append(out, p)
		}
	}
	return out, nil
}

// popularity 心跳回应包体前 4 字节为人气值
func popularity(body []byte) (int64, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint32(body)), true
}
