package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/mysqlgate/mysqlgate/internal/pool"
)

const (
	mysqlOKPacket  byte = 0x00
	mysqlErrPacket byte = 0xff
	mysqlEOFPacket byte = 0xfe
)

// readPacket reads one MySQL packet: 3-byte length + 1-byte seq + payload.
func readPacket(conn net.Conn) (payload []byte, seq byte, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return nil, 0, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq = hdr[3]
	if length == 0 {
		return []byte{}, seq, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return nil, seq, err
	}
	return payload, seq, nil
}

// writePacket writes one MySQL packet with the given sequence number.
func writePacket(conn net.Conn, payload []byte, seq byte) error {
	hdr := make([]byte, 4)
	length := len(payload)
	hdr[0] = byte(length)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length >> 16)
	hdr[3] = seq
	buf := append(hdr, payload...)
	_, err := conn.Write(buf)
	return err
}

// sendError writes an ERR_Packet to the client.
func sendError(conn net.Conn, errorCode uint16, sqlState, message string, seq byte) error {
	payload := make([]byte, 0, 9+len(message))
	payload = append(payload, mysqlErrPacket)
	codeBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(codeBuf, errorCode)
	payload = append(payload, codeBuf...)
	payload = append(payload, '#')
	payload = append(payload, []byte(sqlState)...)
	payload = append(payload, []byte(message)...)
	return writePacket(conn, payload, seq)
}

// serverGreeting is the parsed subset of the server's initial handshake
// the router cares about.
type serverGreeting struct {
	raw          []byte
	seq          byte
	capabilities pool.Capabilities
}

// readServerGreeting reads and parses the server's HandshakeV10 packet.
func readServerGreeting(conn net.Conn) (*serverGreeting, error) {
	pkt, seq, err := readPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("reading server handshake: %w", err)
	}
	if len(pkt) < 1 {
		return nil, fmt.Errorf("empty server handshake")
	}
	if pkt[0] == mysqlErrPacket {
		return nil, fmt.Errorf("server sent error on connect")
	}

	pos := 1
	// server version, null terminated
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++
	if pos+4 > len(pkt) {
		return nil, fmt.Errorf("handshake packet too short")
	}
	pos += 4 // connection id
	if pos+8 > len(pkt) {
		return nil, fmt.Errorf("handshake packet too short for auth data")
	}
	pos += 8 // auth-plugin-data part 1
	pos++    // filler

	if pos+2 > len(pkt) {
		return nil, fmt.Errorf("handshake packet too short for capability flags")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	var capHigh uint32
	if pos+3+2 <= len(pkt) {
		pos += 3 // charset + status flags
		capHigh = uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	}

	return &serverGreeting{
		raw:          pkt,
		seq:          seq,
		capabilities: pool.Capabilities(capLow | capHigh),
	}, nil
}

// clientGreeting is the parsed subset of the client's HandshakeResponse41.
type clientGreeting struct {
	raw          []byte
	seq          byte
	capabilities pool.Capabilities
	username     string
	schema       string
	connectAttrs map[string]string
}

// readClientGreeting reads and parses the client's HandshakeResponse41,
// which carries the capability bitset the pool predicate matches against.
func readClientGreeting(conn net.Conn) (*clientGreeting, error) {
	pkt, seq, err := readPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("reading client handshake response: %w", err)
	}
	if len(pkt) < 32 {
		return nil, fmt.Errorf("handshake response too short")
	}

	out := &clientGreeting{raw: pkt, seq: seq}
	out.capabilities = pool.Capabilities(binary.LittleEndian.Uint32(pkt[0:4]))

	if !out.capabilities.Has(pool.CapProtocol41) {
		return nil, fmt.Errorf("pre-4.1 clients are not supported")
	}
	if out.capabilities.Has(pool.CapSSL) {
		// SSLRequest packet: capabilities only, the full response comes
		// after the TLS handshake
		return out, nil
	}

	pos := 4 + 4 + 1 + 23 // caps + max packet size + charset + reserved
	start := pos
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	if pos >= len(pkt) {
		return out, nil
	}
	out.username = string(pkt[start:pos])
	pos++

	// auth response
	if out.capabilities.Has(pool.CapPluginAuthLenencData) {
		n, size := readLenEnc(pkt, pos)
		pos = size + int(n)
	} else {
		if pos >= len(pkt) {
			return out, nil
		}
		authLen := int(pkt[pos])
		pos += 1 + authLen
	}

	if out.capabilities.Has(pool.CapConnectWithDB) && pos < len(pkt) {
		start = pos
		for pos < len(pkt) && pkt[pos] != 0 {
			pos++
		}
		out.schema = string(pkt[start:pos])
		pos++
	}

	if out.capabilities.Has(pool.CapPluginAuth) && pos < len(pkt) {
		for pos < len(pkt) && pkt[pos] != 0 {
			pos++
		}
		pos++
	}

	if out.capabilities.Has(pool.CapConnectAttrs) && pos < len(pkt) {
		total, size := readLenEnc(pkt, pos)
		pos += size
		end := pos + int(total)
		if end > len(pkt) {
			end = len(pkt)
		}
		out.connectAttrs = make(map[string]string)
		for pos < end {
			key, n := readLenEncString(pkt, pos, end)
			pos += n
			val, n := readLenEncString(pkt, pos, end)
			pos += n
			if key == "" || n == 0 {
				break
			}
			out.connectAttrs[key] = val
		}
	}

	return out, nil
}

// readLenEnc decodes a length-encoded integer, returning the value and
// how many bytes it occupied.
func readLenEnc(pkt []byte, pos int) (uint64, int) {
	if pos >= len(pkt) {
		return 0, 1
	}
	switch first := pkt[pos]; {
	case first < 0xfb:
		return uint64(first), 1
	case first == 0xfc && pos+3 <= len(pkt):
		return uint64(binary.LittleEndian.Uint16(pkt[pos+1 : pos+3])), 3
	case first == 0xfd && pos+4 <= len(pkt):
		v := uint64(pkt[pos+1]) | uint64(pkt[pos+2])<<8 | uint64(pkt[pos+3])<<16
		return v, 4
	case first == 0xfe && pos+9 <= len(pkt):
		return binary.LittleEndian.Uint64(pkt[pos+1 : pos+9]), 9
	}
	return 0, 1
}

func readLenEncString(pkt []byte, pos, end int) (string, int) {
	if pos >= end {
		return "", 0
	}
	n, size := readLenEnc(pkt, pos)
	strEnd := pos + size + int(n)
	if strEnd > end {
		return "", 0
	}
	return string(pkt[pos+size : strEnd]), size + int(n)
}
