package sourcebuffer

// Config is a decoder configuration as seen by a Stream. The stream
// treats configs opaquely — only Codec and Encrypted participate in the
// accept/reject decision UpdateAudioConfig/UpdateVideoConfig make; Extra
// carries
// whatever codec-private parameters the caller needs downstream (e.g. an
// AudioSpecificConfig or an AVCDecoderConfigurationRecord).
type Config struct {
	Codec      string
	Encrypted  bool
	SampleRate int // audio samples per second; 0 when unknown or not audio
	Extra      []byte
}

// sameCodecAndEncryption reports whether a and b may coexist as different
// versions of "the same" config (a codec/encryption switch is rejected,
// anything else just gets a new config version).
func sameCodecAndEncryption(a, b Config) bool {
	return a.Codec == b.Codec && a.Encrypted == b.Encrypted
}

func configsEqual(a, b Config) bool {
	if a.Codec != b.Codec || a.Encrypted != b.Encrypted || a.SampleRate != b.SampleRate {
		return false
	}
	if len(a.Extra) != len(b.Extra) {
		return false
	}
	for i := range a.Extra {
		if a.Extra[i] != b.Extra[i] {
			return false
		}
	}
	return true
}
