package webrtc

// H264 NALU types used for frame accounting.
const (
	naluTypeIDRSlice = 5
	naluTypeSTAPA    = 24
	naluTypeFUA      = 28
)

// H264Depacketizer extracts NAL units from RTP H264 payloads. It maintains
// instance state for FU-A fragment reassembly; a sequence gap inside a
// fragment chain drops the whole chain so a torn NALU never reaches the
// decoder or the frame counters.
type H264Depacketizer struct {
	fuaBuf  []byte
	fuaSeq  uint16
	fuaLive bool
}

// NewH264Depacketizer creates a new depacketizer with its own reassembly buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize extracts NAL units from an RTP H264 payload. seq is the RTP
// sequence number of the packet carrying the payload. Handles single NAL,
// STAP-A, and FU-A packet types.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	naluType := payload[0] & 0x1f

	switch {
	case naluType >= 1 && naluType <= 23:
		d.fuaLive = false
		return [][]byte{payload}

	case naluType == naluTypeSTAPA:
		d.fuaLive = false
		return d.depacketizeSTAPA(payload)

	case naluType == naluTypeFUA:
		return d.depacketizeFUA(seq, payload)

	default:
		return nil
	}
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) [][]byte {
	var nalus [][]byte
	offset := 1 // skip STAP-A header byte

	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			break
		}
		nalus = append(nalus, payload[offset:offset+size])
		offset += size
	}
	return nalus
}

func (d *H264Depacketizer) depacketizeFUA(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}

	fnri := payload[0] & 0xe0 // F + NRI bits from FU indicator
	fuHeader := payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1f

	switch {
	case start:
		// Reconstruct NAL header: F+NRI from FU indicator + type from FU header
		d.fuaBuf = append([]byte{fnri | naluType}, payload[2:]...)
		d.fuaLive = true

	case !d.fuaLive:
		// orphan fragment, the start was never seen
		return nil

	case seq != d.fuaSeq+1:
		// a fragment went missing, drop the chain
		d.fuaBuf = nil
		d.fuaLive = false
		return nil

	default:
		d.fuaBuf = append(d.fuaBuf, payload[2:]...)
	}
	d.fuaSeq = seq

	if end {
		nalu := d.fuaBuf
		d.fuaBuf = nil
		d.fuaLive = false
		return [][]byte{nalu}
	}
	return nil
}

// isSliceNALU reports whether the NALU carries picture data.
func isSliceNALU(nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	t := nalu[0] & 0x1f
	return t >= 1 && t <= naluTypeIDRSlice
}

// isKeyframeNALU reports whether the NALU starts an IDR picture.
func isKeyframeNALU(nalu []byte) bool {
	return len(nalu) > 0 && nalu[0]&0x1f == naluTypeIDRSlice
}
