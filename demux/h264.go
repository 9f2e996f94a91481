package demux

import "errors"

// H.264 NAL unit types (ITU-T H.264 table 7-1) this demuxer cares about.
const (
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

var errSPSTruncated = errors.New("demux: SPS truncated")

// NALUnit is one NAL unit cut out of an Annex B stream: the raw bytes
// starting at the NAL header, start code excluded.
type NALUnit struct {
	Type byte
	Data []byte
}

// ParseAnnexB splits an H.264 Annex B stream on its start codes. Both the
// 3- and 4-byte forms are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	return scanAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1f })
}

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool { return nalType == NALTypeIDR }

// IsSPS reports whether an H.264 NAL type is a sequence parameter set.
func IsSPS(nalType byte) bool { return nalType == NALTypeSPS }

// IsPPS reports whether an H.264 NAL type is a picture parameter set.
func IsPPS(nalType byte) bool { return nalType == NALTypePPS }

// scanAnnexB walks data once, emitting the bytes between start codes.
// Units shorter than minLen (a full NAL header) are dropped.
func scanAnnexB(data []byte, minLen int, typeOf func([]byte) byte) []NALUnit {
	var units []NALUnit
	open := -1 // data offset of the unit currently being collected

	emit := func(end int) {
		if open < 0 || end-open < minLen {
			return
		}
		d := data[open:end]
		units = append(units, NALUnit{Type: typeOf(d), Data: d})
	}

	for i := 0; i+3 <= len(data); {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		switch {
		case data[i+2] == 1:
			emit(i)
			open = i + 3
			i += 3
		case i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1:
			emit(i)
			open = i + 4
			i += 4
		default:
			i++
		}
	}
	emit(len(data))
	return units
}

// stripEmulationBytes undoes the 00 00 03 emulation-prevention escaping,
// turning a NAL payload back into its RBSP form.
func stripEmulationBytes(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == 3 && i >= 2 && data[i-1] == 0 && data[i-2] == 0 &&
			(i+1 >= len(data) || data[i+1] <= 3) {
			continue
		}
		out = append(out, data[i])
	}
	return out
}

// bitCursor reads an RBSP bit-by-bit with a sticky failure flag, so the
// syntax-element walks below read field after field and check once.
type bitCursor struct {
	data []byte
	pos  int // absolute bit position
	bad  bool
}

func (c *bitCursor) u(n int) uint {
	if c.bad {
		return 0
	}
	var v uint
	for ; n > 0; n-- {
		byteIdx := c.pos >> 3
		if byteIdx >= len(c.data) {
			c.bad = true
			return 0
		}
		v = v<<1 | uint(c.data[byteIdx]>>(7-c.pos&7))&1
		c.pos++
	}
	return v
}

func (c *bitCursor) flag() bool { return c.u(1) == 1 }

// ue reads an unsigned Exp-Golomb value.
func (c *bitCursor) ue() uint {
	zeros := 0
	for !c.bad && c.u(1) == 0 {
		zeros++
		if zeros > 31 {
			c.bad = true
			return 0
		}
	}
	if zeros == 0 || c.bad {
		return 0
	}
	return 1<<zeros - 1 + c.u(zeros)
}

// se reads a signed Exp-Golomb value.
func (c *bitCursor) se() int {
	v := c.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int(v+1) / 2
}

// SPSInfo is the slice of an H.264 sequence parameter set this module
// consumes: the coded picture dimensions plus the profile/level triple.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// highProfile reports whether profile_idc implies the chroma-format and
// scaling-matrix fields are present in the SPS.
func highProfile(idc uint) bool {
	switch idc {
	case 44, 83, 86, 100, 110, 118, 122, 128, 134, 138, 139, 244:
		return true
	}
	return false
}

// ParseSPS decodes enough of an H.264 SPS to recover picture dimensions.
// nalu starts at the NAL header byte, start code excluded.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTruncated
	}
	c := &bitCursor{data: stripEmulationBytes(nalu[1:])}

	info := SPSInfo{
		ProfileIDC:      byte(c.u(8)),
		ConstraintFlags: byte(c.u(8)),
		LevelIDC:        byte(c.u(8)),
	}
	c.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separateColourPlane := false
	if highProfile(uint(info.ProfileIDC)) {
		chromaFormat = c.ue()
		if chromaFormat == 3 {
			separateColourPlane = c.flag()
		}
		c.ue() // bit_depth_luma_minus8
		c.ue() // bit_depth_chroma_minus8
		c.u(1) // qpprime_y_zero_transform_bypass_flag
		if c.flag() {
			skipScalingMatrix(c, chromaFormat)
		}
	}

	c.ue() // log2_max_frame_num_minus4
	switch c.ue() {
	case 0:
		c.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		c.u(1) // delta_pic_order_always_zero_flag
		c.se()
		c.se()
		for n := c.ue(); n > 0 && !c.bad; n-- {
			c.se()
		}
	}
	c.ue() // max_num_ref_frames
	c.u(1) // gaps_in_frame_num_value_allowed_flag

	widthMBs := c.ue()
	heightMapUnits := c.ue()
	frameMBsOnly := c.u(1)
	if frameMBsOnly == 0 {
		c.u(1) // mb_adaptive_frame_field_flag
	}
	c.u(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if c.flag() {
		cropL, cropR, cropT, cropB = c.ue(), c.ue(), c.ue(), c.ue()
	}
	if c.bad {
		return SPSInfo{}, errSPSTruncated
	}

	// Crop units depend on the chroma sampling (H.264 table 6-1).
	chromaArray := chromaFormat
	if separateColourPlane {
		chromaArray = 0
	}
	unitX, unitY := uint(1), uint(1)
	switch chromaArray {
	case 1:
		unitX, unitY = 2, 2
	case 2:
		unitX, unitY = 2, 1
	}
	unitY *= 2 - frameMBsOnly

	info.Width = int((widthMBs+1)*16 - unitX*(cropL+cropR))
	info.Height = int((heightMapUnits+1)*16*(2-frameMBsOnly) - unitY*(cropT+cropB))
	return info, nil
}

func skipScalingMatrix(c *bitCursor, chromaFormat uint) {
	lists := 8
	if chromaFormat == 3 {
		lists = 12
	}
	for i := 0; i < lists && !c.bad; i++ {
		if !c.flag() {
			continue
		}
		size := 16
		if i >= 6 {
			size = 64
		}
		last, next := 8, 8
		for j := 0; j < size && !c.bad; j++ {
			if next != 0 {
				next = (last + c.se() + 256) % 256
			}
			if next != 0 {
				last = next
			}
		}
	}
}
