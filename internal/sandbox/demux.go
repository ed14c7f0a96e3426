package sandbox

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Frame header layout of the engine's multiplexed attach stream:
// byte 0 selects stdout or stderr, bytes 1-3 are unused, bytes 4-7 hold the
// big-endian payload length.
const (
	headerLen    = 8
	headerSizeAt = 4
)

// Demuxer reassembles multiplexed frames written to it in arbitrary chunks.
// Only complete frames are consumed; a partial frame stays buffered until the
// rest arrives. Payloads of both streams are merged in arrival order.
//
// Decoded payload is capped at max bytes. Frames arriving past the cap are
// still parsed, so the stream stays in sync, but their payload is discarded.
type Demuxer struct {
	pending []byte
	skip    int // payload bytes of the current frame still to discard
	out     bytes.Buffer
	max     int
	dropped int
}

// NewDemuxer returns a Demuxer keeping at most max payload bytes. max <= 0 means DefaultMaxOutput.
func NewDemuxer(max int) *Demuxer {
	if max <= 0 {
		max = DefaultMaxOutput
	}
	return &Demuxer{max: max}
}

// Write appends raw stream bytes and decodes every complete frame. It never fails.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.pending = append(d.pending, p...)
	d.parse()
	return len(p), nil
}

func (d *Demuxer) parse() {
	for {
		if d.skip > 0 {
			n := min(d.skip, len(d.pending))
			d.skip -= n
			d.dropped += n
			d.pending = d.pending[n:]
			if d.skip > 0 {
				return
			}
			continue
		}
		if len(d.pending) < headerLen {
			return
		}
		size := int(binary.BigEndian.Uint32(d.pending[headerSizeAt:headerLen]))
		if d.full() {
			d.pending = d.pending[headerLen:]
			d.skip = size
			continue
		}
		if len(d.pending) < headerLen+size {
			return
		}
		d.emit(d.pending[headerLen : headerLen+size])
		d.pending = d.pending[headerLen+size:]
	}
}

func (d *Demuxer) emit(payload []byte) {
	room := d.max - d.out.Len()
	if len(payload) > room {
		d.dropped += len(payload) - room
		payload = payload[:room]
	}
	d.out.Write(payload)
}

func (d *Demuxer) full() bool { return d.out.Len() >= d.max }

// Pending reports how many bytes of an incomplete frame are buffered.
func (d *Demuxer) Pending() int { return len(d.pending) }

// Truncated reports whether any payload was discarded because of the cap.
func (d *Demuxer) Truncated() bool { return d.dropped > 0 }

// String returns the decoded text. Invalid UTF-8 is replaced with U+FFFD.
func (d *Demuxer) String() string {
	return strings.ToValidUTF8(d.out.String(), "�")
}
