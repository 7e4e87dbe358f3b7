package link

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestFrameStreamRoundtrip(t *testing.T) {
	var pipe bytes.Buffer

	hello, err := encodeHello(ChannelParams{PSM: 0x0080, MaxSDU: 495, MaxSegment: 247, InitialCredits: 80})
	if err != nil {
		t.Fatal(err)
	}
	if err := writeFrame(&pipe, frameHello, hello); err != nil {
		t.Fatal(err)
	}

	// A segment with its header pushed into buffer headroom, written as
	// one contiguous slice.
	seg := make([]byte, frameHeaderLen+5)
	copy(seg[frameHeaderLen:], []byte("hello"))
	if err := writeSegmentFrame(&pipe, frameDataEnd, seg[frameHeaderLen:], seg); err != nil {
		t.Fatal(err)
	}

	var scratch [16]byte
	if err := writeFrame(&pipe, frameCredits, encodeCredits(10, scratch[:])); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, maxFramePayload)

	ftype, payload, err := readFrame(&pipe, buf)
	if err != nil || ftype != frameHello {
		t.Fatalf("first frame: type %#x, err %v", ftype, err)
	}
	params, err := decodeHello(payload)
	if err != nil {
		t.Fatal(err)
	}
	if params.PSM != 0x0080 || params.MaxSDU != 495 || params.InitialCredits != 80 {
		t.Errorf("hello decoded to %+v", params)
	}

	ftype, payload, err = readFrame(&pipe, buf)
	if err != nil || ftype != frameDataEnd {
		t.Fatalf("second frame: type %#x, err %v", ftype, err)
	}
	if string(payload) != "hello" {
		t.Errorf("segment payload = %q", payload)
	}

	ftype, payload, err = readFrame(&pipe, buf)
	if err != nil || ftype != frameCredits {
		t.Fatalf("third frame: type %#x, err %v", ftype, err)
	}
	n, err := decodeCredits(payload)
	if err != nil || n != 10 {
		t.Errorf("credits = %d, err %v", n, err)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var pipe bytes.Buffer
	pipe.Write([]byte{frameData, 0xFF, 0xFF})
	buf := make([]byte, maxFramePayload)
	if _, _, err := readFrame(&pipe, buf); errors.Cause(err) != ErrFrameTooLarge {
		t.Fatalf("err = %v, want frame-too-large", err)
	}
}

func TestMergeParams(t *testing.T) {
	local := ChannelParams{PSM: 0x0080, MaxSDU: 2000, MaxSegment: 247, InitialCredits: 80}
	remote := ChannelParams{PSM: 0x0081, MaxSDU: 495, MaxSegment: 251, InitialCredits: 12}

	merged := mergeParams(local, remote)
	if merged.MaxSDU != 495 {
		t.Errorf("merged SDU = %d, want the smaller 495", merged.MaxSDU)
	}
	if merged.MaxSegment != 247 {
		t.Errorf("merged segment = %d, want the smaller 247", merged.MaxSegment)
	}
	// PSM and credits come from the remote's offer.
	if merged.PSM != 0x0081 || merged.InitialCredits != 12 {
		t.Errorf("merged = %+v", merged)
	}
}
