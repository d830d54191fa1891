package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame length (1 MB), flags byte included.
	MaxFrameSize = 1024 * 1024

	// CompressionThreshold is the minimum payload size to consider compression.
	CompressionThreshold = 512

	headerSize = 4
)

const (
	FlagCompressed = 0x01
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame format: [Length (4 bytes, big-endian)][Flags (1 byte)][Payload (Length-1 bytes)]
type Frame struct {
	Flags   uint8
	Payload []byte
}

// compressPayload compresses data with LZ4 and prepends the uncompressed size.
// The second result is false when compression would not save space.
func compressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

func decompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// EncodeFrame writes f to w, compressing payloads of at least
// CompressionThreshold bytes when that makes them smaller.
func EncodeFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := compressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(1 + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	// One write per frame so concurrent readers never see a torn header.
	buf := make([]byte, headerSize+int(length))
	binary.BigEndian.PutUint32(buf[:headerSize], length)
	buf[headerSize] = flags
	copy(buf[headerSize+1:], payload)

	_, err := w.Write(buf)
	return err
}

// DecodeFrame reads one frame from r, decompressing it if needed.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < 1 {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	flags := body[0]
	payload := body[1:]

	if flags&FlagCompressed != 0 {
		decompressed, err := decompressPayload(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
		flags &^= FlagCompressed
	}

	return &Frame{Flags: flags, Payload: payload}, nil
}

// WriteMessage encodes m as JSON in a single frame.
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	return EncodeFrame(w, &Frame{Payload: payload})
}

// ReadMessage reads one frame and decodes its JSON payload.
func ReadMessage(r io.Reader) (*Message, error) {
	f, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(f.Payload)
}

// EncodeMessage returns the framed bytes of m, ready to be queued for writing.
func EncodeMessage(m *Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteMessage(buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
