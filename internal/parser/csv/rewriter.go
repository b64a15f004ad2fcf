package csv

import (
	"bytes"
	"io"
)

// streamingRewriter replaces every occurrence of a byte sequence while
// streaming, without loading the file into memory. Matches never split across
// chunk boundaries: the last len(from)-1 bytes of each chunk are carried into
// the next read.
//
// Used to scrub known-broken quoting out of vendor extracts before the CSV
// reader sees them.
type streamingRewriter struct {
	r    io.Reader
	from []byte
	to   []byte

	out   []byte // replaced bytes ready to hand out
	carry []byte // possible partial match at the end of the last chunk
	buf   []byte
	err   error
}

func newStreamingRewriter(r io.Reader, from, to []byte) io.Reader {
	if len(from) == 0 {
		return r
	}
	return &streamingRewriter{
		r:    r,
		from: from,
		to:   to,
		buf:  make([]byte, 32*1024),
	}
}

func (s *streamingRewriter) Read(p []byte) (int, error) {
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.fill()
	}

	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *streamingRewriter) fill() {
	n, err := s.r.Read(s.buf)
	data := append(s.carry, s.buf[:n]...)
	s.carry = nil

	if err != nil {
		// EOF (or a real error): flush everything, nothing can match later.
		s.out = append(s.out, bytes.ReplaceAll(data, s.from, s.to)...)
		s.err = err
		return
	}

	for {
		i := bytes.Index(data, s.from)
		if i < 0 {
			break
		}
		s.out = append(s.out, data[:i]...)
		s.out = append(s.out, s.to...)
		data = data[i+len(s.from):]
	}

	// Keep a tail that could still begin a match next read.
	keep := len(s.from) - 1
	if keep > len(data) {
		keep = len(data)
	}
	split := len(data) - keep
	s.out = append(s.out, data[:split]...)
	s.carry = append(s.carry, data[split:]...)
}
