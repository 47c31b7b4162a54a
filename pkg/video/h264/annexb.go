package h264

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

func annexBEncodeSize(nalus [][]byte) int {
	n := 0
	for _, nalu := range nalus {
		n += len(startCode) + len(nalu)
	}
	return n
}

// AnnexBEncode encodes NALUs into the Annex-B stream format.
func AnnexBEncode(nalus [][]byte) []byte {
	buf := make([]byte, annexBEncodeSize(nalus))
	pos := 0

	for _, nalu := range nalus {
		pos += copy(buf[pos:], startCode)
		pos += copy(buf[pos:], nalu)
	}

	return buf
}
