package link

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
)

// Frame types on the QUIC stream. Every frame is
// [type:1][length:2 big endian][payload:length].
const (
	frameHello   = 0x01 // gob-encoded ChannelParams, once per direction
	frameData    = 0x02 // one segment, more of the same SDU follow
	frameDataEnd = 0x03 // one segment, last of its SDU
	frameCredits = 0x04 // 2-byte big endian credit grant
)

const frameHeaderLen = 3

// maxFramePayload bounds what readFrame will accept. Segments never exceed
// the negotiated MPS, hello frames are tiny; anything larger is a framing
// error, not a big read.
const maxFramePayload = 4096

var ErrFrameTooLarge = errors.New("frame payload exceeds limit")

// writeFrame emits one frame. The caller serializes writers; the frame
// header is built on the stack so back-to-back writes don't share state.
func writeFrame(w io.Writer, ftype byte, payload []byte) error {
	var hdr [frameHeaderLen]byte
	hdr[0] = ftype
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return errors.Wrap(err, "write frame payload")
}

// writeSegmentFrame is writeFrame for buffers with headroom: the 3-byte
// header is pushed in front of the payload so the segment goes out in a
// single Write.
func writeSegmentFrame(w io.Writer, ftype byte, seg []byte, hdrSpace []byte) error {
	hdrSpace[0] = ftype
	binary.BigEndian.PutUint16(hdrSpace[1:frameHeaderLen], uint16(len(seg)))
	_, err := w.Write(hdrSpace[:frameHeaderLen+len(seg)])
	return errors.Wrap(err, "write segment frame")
}

// readFrame reads the next frame into buf and returns the type and payload.
// The payload slice aliases buf and is only valid until the next call.
func readFrame(r io.Reader, buf []byte) (byte, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[1:]))
	if n > maxFramePayload || n > len(buf) {
		return 0, nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	if n == 0 {
		return hdr[0], nil, nil
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, nil, errors.Wrap(err, "read frame payload")
	}
	return hdr[0], buf[:n], nil
}

func encodeHello(params ChannelParams) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&params); err != nil {
		return nil, errors.Wrap(err, "encode channel params")
	}
	return b.Bytes(), nil
}

func decodeHello(payload []byte) (ChannelParams, error) {
	var params ChannelParams
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&params)
	return params, errors.Wrap(err, "decode channel params")
}

func encodeCredits(n int, buf []byte) []byte {
	binary.BigEndian.PutUint16(buf[:2], uint16(n))
	return buf[:2]
}

func decodeCredits(payload []byte) (int, error) {
	if len(payload) != 2 {
		return 0, errors.Errorf("credit frame payload is %d bytes, want 2", len(payload))
	}
	return int(binary.BigEndian.Uint16(payload)), nil
}

// mergeParams combines both sides' channel parameters the way the peers of
// a credit-based channel would: the smaller SDU and segment size win, the
// listener's PSM identifies the channel, and the remote's initial credits
// are what we may spend.
func mergeParams(local, remote ChannelParams) ChannelParams {
	merged := remote
	if local.MaxSDU < merged.MaxSDU {
		merged.MaxSDU = local.MaxSDU
	}
	if local.MaxSegment < merged.MaxSegment {
		merged.MaxSegment = local.MaxSegment
	}
	return merged
}
