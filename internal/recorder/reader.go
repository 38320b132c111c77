package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"exchange/internal/schema"
)

// ReaderOptions controls frame decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes frames one after another. A frame cut short by the end of input is ErrTorn.
type Reader struct {
	r    *bufio.Reader
	opts ReaderOptions
	head [frameHeadSize]byte
	tail [frameTailSize]byte
	body []byte
}

func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{r: bufio.NewReader(r), opts: opts}
}

// Next returns the next frame. The payload is reused by the following call.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	if n, err := io.ReadFull(r.r, r.head[:]); err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return schema.EventHeader{}, nil, io.EOF
		}
		return schema.EventHeader{}, nil, torn(err)
	}
	header, n, err := parseHead(r.head[:])
	if err != nil {
		return header, nil, err
	}
	if uint64(n) > maxPayloadLen || (r.opts.MaxPayloadSize > 0 && int(n) > r.opts.MaxPayloadSize) {
		return header, nil, ErrPayloadTooLarge
	}

	if cap(r.body) < int(n) {
		r.body = make([]byte, n)
	}
	r.body = r.body[:n]
	if _, err := io.ReadFull(r.r, r.body); err != nil {
		return header, nil, torn(err)
	}
	if _, err := io.ReadFull(r.r, r.tail[:]); err != nil {
		return header, nil, torn(err)
	}
	if !r.opts.DisableChecksum && frameSum(r.head[:], r.body) != binary.LittleEndian.Uint32(r.tail[:]) {
		return header, nil, ErrChecksumMismatch
	}
	return header, r.body, nil
}

func torn(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTorn
	}
	return err
}
