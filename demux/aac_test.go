package demux

import (
	"bytes"
	"testing"
)

// adtsFrame builds one ADTS frame (7-byte header, no CRC) around payload.
func adtsFrame(rateIdx, channels int, payload []byte) []byte {
	frameLen := 7 + len(payload)
	h := []byte{
		0xff, 0xf1, // sync, MPEG-4, no CRC
		byte(1<<6) | byte(rateIdx<<2) | byte(channels>>2&1),
		byte(channels&3)<<6 | byte(frameLen>>11&3),
		byte(frameLen >> 3),
		byte(frameLen&7)<<5 | 0x1f,
		0xfc,
	}
	return append(h, payload...)
}

func TestParseADTSSplitsFrames(t *testing.T) {
	t.Parallel()

	stream := adtsFrame(3, 2, []byte{1, 2, 3})
	stream = append(stream, adtsFrame(3, 2, []byte{4, 5})...)

	frames, err := ParseADTS(stream)
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].SampleRate != 48000 || frames[0].Channels != 2 {
		t.Errorf("frame 0 = %d Hz / %d ch, want 48000/2", frames[0].SampleRate, frames[0].Channels)
	}
	if len(frames[1].Data) != 9 {
		t.Errorf("frame 1 length = %d, want 9 (header + 2)", len(frames[1].Data))
	}
}

func TestParseADTSResyncsAcrossGarbage(t *testing.T) {
	t.Parallel()

	stream := append([]byte{0x12, 0x34, 0x56}, adtsFrame(4, 1, []byte{9})...)
	frames, err := ParseADTS(stream)
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 1 || frames[0].SampleRate != 44100 {
		t.Fatalf("frames = %+v, want one 44100 Hz frame", frames)
	}
}

func TestParseADTSBadSampleRateIndex(t *testing.T) {
	t.Parallel()

	bad := adtsFrame(15, 2, []byte{1})
	if _, err := ParseADTS(bad); err == nil {
		t.Fatal("expected ErrInvalidADTS for sampling index 15")
	}
}

func TestParseADTSTruncatedTail(t *testing.T) {
	t.Parallel()

	whole := adtsFrame(3, 2, []byte{1, 2, 3, 4, 5, 6})
	frames, err := ParseADTS(whole[:len(whole)-2])
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("a frame missing its tail must not be emitted, got %d", len(frames))
	}
}

func TestStripADTS(t *testing.T) {
	t.Parallel()

	payload := []byte{0xde, 0xad, 0xbe}
	if got := StripADTS(adtsFrame(3, 2, payload)); !bytes.Equal(got, payload) {
		t.Errorf("StripADTS = %x, want %x", got, payload)
	}
	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if got := StripADTS(raw); !bytes.Equal(got, raw) {
		t.Error("non-ADTS input must pass through unchanged")
	}
}

func BenchmarkParseADTS(b *testing.B) {
	var stream []byte
	payload := make([]byte, 256)
	for i := 0; i < 64; i++ {
		stream = append(stream, adtsFrame(3, 2, payload)...)
	}
	b.SetBytes(int64(len(stream)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParseADTS(stream); err != nil {
			b.Fatal(err)
		}
	}
}
