package player

// H.264 NAL unit types, per ITU-T H.264 Table 7-1.
const (
	nalTypeSlice = 1  // Non-IDR coded slice
	nalTypeIDR   = 5  // IDR coded slice
	nalTypeSEI   = 6  // Supplemental enhancement information
	nalTypeSPS   = 7  // Sequence parameter set
	nalTypePPS   = 8  // Picture parameter set
	nalTypeAUD   = 9  // Access unit delimiter
	nalTypeSTAPA = 24 // Single-time aggregation packet (RFC 6184)
	nalTypeFUA   = 28 // Fragmentation unit A (RFC 6184)
)

// isAnnexBStartCode checks for an H.264 Annex-B start code at the head
// of data. Per ITU-T H.264 Annex B, NAL units are prefixed with either
// the 4-byte 0x00000001 or the 3-byte 0x000001 start code.
func isAnnexBStartCode(data []byte) bool {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return false
}

// nalUnitType extracts the NAL unit type following a start code.
// Per ITU-T H.264 Section 7.3.1, the type occupies the low 5 bits of
// the NAL unit header byte.
func nalUnitType(data []byte) byte {
	if len(data) < 4 {
		return 0
	}
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1F
}

// ContainsSPS reports whether the Annex-B byte stream carries a sequence
// parameter set NAL unit. The stateful decoder cannot produce output
// until it has seen one, so playback gates on this.
func ContainsSPS(data []byte) bool {
	return containsNALType(data, nalTypeSPS)
}

// ContainsIDR reports whether the Annex-B byte stream carries an IDR
// slice.
func ContainsIDR(data []byte) bool {
	return containsNALType(data, nalTypeIDR)
}

func containsNALType(data []byte, want byte) bool {
	for i := 0; i+3 < len(data); {
		startLen := 0
		if i+4 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			startLen = 4
		} else if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			startLen = 3
		}
		if startLen == 0 {
			i++
			continue
		}
		header := i + startLen
		if header < len(data) && data[header]&0x1F == want {
			return true
		}
		i += startLen
	}
	return false
}

// SplitNALUnits walks an Annex-B byte stream and returns the contained
// NAL units without their start codes. Useful for inspecting what a
// sender packed into one access unit.
func SplitNALUnits(data []byte) [][]byte {
	var units [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		startLen := 0
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			startLen = 4
		} else if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			startLen = 3
		}
		if startLen == 0 {
			i++
			continue
		}
		if start >= 0 && i > start {
			units = append(units, data[start:i])
		}
		i += startLen
		start = i
	}
	if start >= 0 && start < len(data) {
		units = append(units, data[start:])
	}
	return units
}
