package demux

// HEVC NAL unit types (ITU-T H.265 table 7-1) this demuxer cares about.
const (
	HEVCNALBlaWLP     = 16
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
)

// HEVCNALType extracts the 6-bit type from the first byte of the 2-byte
// HEVC NAL header.
func HEVCNALType(first byte) byte { return first >> 1 & 0x3f }

// IsHEVCKeyframe reports whether an HEVC NAL type is a random access
// point (the BLA/IDR/CRA band).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// IsHEVCVPS reports whether an HEVC NAL type is a video parameter set.
func IsHEVCVPS(nalType byte) bool { return nalType == HEVCNALVPS }

// IsHEVCSPS reports whether an HEVC NAL type is a sequence parameter set.
func IsHEVCSPS(nalType byte) bool { return nalType == HEVCNALSPS }

// IsHEVCPPS reports whether an HEVC NAL type is a picture parameter set.
func IsHEVCPPS(nalType byte) bool { return nalType == HEVCNALPPS }

// ParseAnnexBHEVC splits an HEVC Annex B stream on its start codes. The
// start codes are the same as H.264; only the NAL header differs.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return scanAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// HEVCSPSInfo is the slice of an HEVC sequence parameter set this module
// consumes.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte
}

// ParseHEVCSPS decodes enough of an HEVC SPS to recover picture
// dimensions. nalu starts at the 2-byte NAL header, start code excluded.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errSPSTruncated
	}
	c := &bitCursor{data: stripEmulationBytes(nalu[2:])}

	c.u(4) // sps_video_parameter_set_id
	subLayers := c.u(3)
	c.u(1) // sps_temporal_id_nesting_flag

	var info HEVCSPSInfo
	skipProfileTierLevel(c, &info, subLayers)

	c.ue() // sps_seq_parameter_set_id
	chromaFormat := c.ue()
	if chromaFormat == 3 {
		c.u(1) // separate_colour_plane_flag
	}
	info.Width = int(c.ue())
	info.Height = int(c.ue())
	if c.bad {
		return HEVCSPSInfo{}, errSPSTruncated
	}

	if c.flag() { // conformance_window_flag
		left, right, top, bottom := c.ue(), c.ue(), c.ue(), c.ue()
		if c.bad {
			return info, nil
		}
		subW, subH := uint(1), uint(1)
		switch chromaFormat {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW, subH = 2, 1
		}
		info.Width -= int((left + right) * subW)
		info.Height -= int((top + bottom) * subH)
	}
	return info, nil
}

// skipProfileTierLevel consumes the profile_tier_level structure, keeping
// the general profile/tier/level triple and discarding the compatibility
// bitmaps and all sub-layer entries.
func skipProfileTierLevel(c *bitCursor, info *HEVCSPSInfo, subLayers uint) {
	c.u(2) // general_profile_space
	info.TierFlag = byte(c.u(1))
	info.ProfileIDC = byte(c.u(5))
	c.u(32) // general_profile_compatibility_flags
	c.u(32) // general_constraint_indicator_flags, high half
	c.u(16) // general_constraint_indicator_flags, low half
	info.LevelIDC = byte(c.u(8))

	if subLayers == 0 {
		return
	}
	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < subLayers && i < 8; i++ {
		profilePresent[i] = c.flag()
		levelPresent[i] = c.flag()
	}
	if subLayers < 8 {
		c.u(int(2 * (8 - subLayers))) // reserved alignment bits
	}
	for i := uint(0); i < subLayers && i < 8 && !c.bad; i++ {
		if profilePresent[i] {
			c.u(32)
			c.u(32)
			c.u(24) // 88 bits of sub-layer profile data
		}
		if levelPresent[i] {
			c.u(8)
		}
	}
}
