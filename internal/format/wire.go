package format

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"ouli/internal/ouerr"
)

// Header (name, value) is an ordered header pair as captured on the wire.
type Header struct {
	Name  string
	Value string
}

// Request is the captured, redacted form of an HTTP request as it is
// serialized into the data region (not the canonical form used for
// fingerprinting).
type Request struct {
	Method  string
	Path    string
	Headers []Header
	Body    []byte
}

// Chunk is one piece of a streaming response or one WebSocket frame.
type Chunk struct {
	Direction byte // 0 = ServerToClient, 1 = ClientToServer (WebSocket only)
	Opcode    byte
	Data      []byte
	TimestampNs uint64
}

const (
	DirectionServerToClient byte = 0
	DirectionClientToServer byte = 1
)

// Response is the captured form of an HTTP response (or, when Streaming is
// true, an ordered chunk sequence — used both for SSE/chunked bodies and
// for WebSocket frame sequences).
type Response struct {
	Headers   []Header
	Body      []byte // used when !Streaming
	Streaming bool
	Chunks    []Chunk // used when Streaming
}

// fixed per-record header: method_len(u32) path_len(u32) header_count(u32)
// body_len(u32) crc(u32), followed by method, path, headers, body.
const reqFixedHeaderSize = 20

// EncodeRequest serializes r per §4.3 step 2: a fixed header followed by
// method, path, headers (name_len u32, name, value_len u32, value), and
// body, with a CRC-32 over everything after the fixed header.
func EncodeRequest(r *Request) ([]byte, error) {
	if len(r.Headers) > 128 {
		return nil, fmt.Errorf("encode request: %w", ouerr.ErrInvalidHeader)
	}

	var body []byte
	body = append(body, []byte(r.Method)...)
	body = append(body, []byte(r.Path)...)
	for _, h := range r.Headers {
		body = appendLP32(body, []byte(h.Name))
		body = appendLP32(body, []byte(h.Value))
	}
	body = append(body, r.Body...)

	crc := crc32.ChecksumIEEE(body)

	out := make([]byte, reqFixedHeaderSize, reqFixedHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(r.Method)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(r.Path)))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(r.Headers)))
	binary.LittleEndian.PutUint32(out[12:], uint32(len(r.Body)))
	binary.LittleEndian.PutUint32(out[16:], crc)
	out = append(out, body...)
	return out, nil
}

// DecodeRequest parses a buffer produced by EncodeRequest and validates its
// embedded CRC.
func DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) < reqFixedHeaderSize {
		return nil, fmt.Errorf("decode request: %w", ouerr.ErrTruncated)
	}
	methodLen := binary.LittleEndian.Uint32(buf[0:])
	pathLen := binary.LittleEndian.Uint32(buf[4:])
	headerCount := binary.LittleEndian.Uint32(buf[8:])
	bodyLen := binary.LittleEndian.Uint32(buf[12:])
	wantCRC := binary.LittleEndian.Uint32(buf[16:])

	rest := buf[reqFixedHeaderSize:]
	if crc32.ChecksumIEEE(rest) != wantCRC {
		return nil, fmt.Errorf("decode request: %w", ouerr.ErrEntryCrcMismatch)
	}

	r := &Request{}
	off := 0
	if off+int(methodLen) > len(rest) {
		return nil, fmt.Errorf("decode request: %w", ouerr.ErrTruncated)
	}
	r.Method = string(rest[off : off+int(methodLen)])
	off += int(methodLen)

	if off+int(pathLen) > len(rest) {
		return nil, fmt.Errorf("decode request: %w", ouerr.ErrTruncated)
	}
	r.Path = string(rest[off : off+int(pathLen)])
	off += int(pathLen)

	r.Headers = make([]Header, 0, headerCount)
	for i := uint32(0); i < headerCount; i++ {
		name, n, err := readLP32(rest, off)
		if err != nil {
			return nil, err
		}
		off = n
		value, n2, err := readLP32(rest, off)
		if err != nil {
			return nil, err
		}
		off = n2
		r.Headers = append(r.Headers, Header{Name: string(name), Value: string(value)})
	}

	if off+int(bodyLen) > len(rest) {
		return nil, fmt.Errorf("decode request: %w", ouerr.ErrTruncated)
	}
	r.Body = append([]byte(nil), rest[off:off+int(bodyLen)]...)
	return r, nil
}

// EncodeResponse serializes r per §4.3 step 3. The output is a 4-byte
// CRC-32 of everything after it, then a 4-byte streaming flag,
// header_count and the length-prefixed headers. Non-streaming responses
// then write body_len and the body. Streaming responses write chunk_count,
// then (chunk_len, direction, opcode, timestamp_ns, chunk_bytes) tuples in
// order.
func EncodeResponse(r *Response) ([]byte, error) {
	if len(r.Headers) > 128 {
		return nil, fmt.Errorf("encode response: %w", ouerr.ErrInvalidHeader)
	}

	var body []byte
	streamFlag := uint32(0)
	if r.Streaming {
		streamFlag = 1
	}
	body = appendU32(body, streamFlag)
	body = appendU32(body, uint32(len(r.Headers)))
	for _, h := range r.Headers {
		body = appendLP32(body, []byte(h.Name))
		body = appendLP32(body, []byte(h.Value))
	}

	if r.Streaming {
		body = appendU32(body, uint32(len(r.Chunks)))
		for _, c := range r.Chunks {
			body = appendU32(body, uint32(len(c.Data)))
			body = append(body, c.Direction, c.Opcode)
			var tsb [8]byte
			binary.LittleEndian.PutUint64(tsb[:], c.TimestampNs)
			body = append(body, tsb[:]...)
			body = append(body, c.Data...)
		}
	} else {
		body = appendLP32(body, r.Body)
	}

	crc := crc32.ChecksumIEEE(body)
	out := make([]byte, 4, 4+len(body))
	binary.LittleEndian.PutUint32(out, crc)
	out = append(out, body...)
	return out, nil
}

// DecodeResponse parses a buffer produced by EncodeResponse.
func DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("decode response: %w", ouerr.ErrTruncated)
	}
	wantCRC := binary.LittleEndian.Uint32(buf[0:])
	rest := buf[4:]
	if crc32.ChecksumIEEE(rest) != wantCRC {
		return nil, fmt.Errorf("decode response: %w", ouerr.ErrEntryCrcMismatch)
	}

	off := 0
	streamFlag, off, err := readU32(rest, off)
	if err != nil {
		return nil, err
	}
	headerCount, off, err := readU32(rest, off)
	if err != nil {
		return nil, err
	}

	resp := &Response{Streaming: streamFlag == 1}
	resp.Headers = make([]Header, 0, headerCount)
	for i := uint32(0); i < headerCount; i++ {
		name, n, err := readLP32(rest, off)
		if err != nil {
			return nil, err
		}
		off = n
		value, n2, err := readLP32(rest, off)
		if err != nil {
			return nil, err
		}
		off = n2
		resp.Headers = append(resp.Headers, Header{Name: string(name), Value: string(value)})
	}

	if resp.Streaming {
		chunkCount, n, err := readU32(rest, off)
		if err != nil {
			return nil, err
		}
		off = n
		resp.Chunks = make([]Chunk, 0, chunkCount)
		for i := uint32(0); i < chunkCount; i++ {
			dataLen, n, err := readU32(rest, off)
			if err != nil {
				return nil, err
			}
			off = n
			if off+2+8+int(dataLen) > len(rest) {
				return nil, fmt.Errorf("decode response: %w", ouerr.ErrTruncated)
			}
			direction := rest[off]
			opcode := rest[off+1]
			off += 2
			ts := binary.LittleEndian.Uint64(rest[off:])
			off += 8
			data := append([]byte(nil), rest[off:off+int(dataLen)]...)
			off += int(dataLen)
			resp.Chunks = append(resp.Chunks, Chunk{Direction: direction, Opcode: opcode, Data: data, TimestampNs: ts})
		}
	} else {
		body, n, err := readLP32(rest, off)
		if err != nil {
			return nil, err
		}
		off = n
		resp.Body = append([]byte(nil), body...)
	}

	return resp, nil
}

func appendLP32(dst []byte, v []byte) []byte {
	dst = appendU32(dst, uint32(len(v)))
	return append(dst, v...)
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func readU32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, 0, fmt.Errorf("read u32: %w", ouerr.ErrTruncated)
	}
	return binary.LittleEndian.Uint32(buf[off:]), off + 4, nil
}

func readLP32(buf []byte, off int) ([]byte, int, error) {
	length, off, err := readU32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	if off+int(length) > len(buf) {
		return nil, 0, fmt.Errorf("read length-prefixed field: %w", ouerr.ErrTruncated)
	}
	return buf[off : off+int(length)], off + int(length), nil
}
