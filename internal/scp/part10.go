package scp

import "encoding/binary"

// buildPart10Header produces the 128-byte preamble, DICM prefix and file
// meta information group for a dataset received over the wire. C-STORE
// delivers a bare dataset; wrapping it on the way into staging yields a
// standard part-10 file the parser can read back later.
func buildPart10Header(sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	var meta []byte
	meta = appendMetaElement(meta, 0x0001, "OB", []byte{0x00, 0x01})
	meta = appendMetaElement(meta, 0x0002, "UI", padUID(sopClassUID))
	meta = appendMetaElement(meta, 0x0003, "UI", padUID(sopInstanceUID))
	meta = appendMetaElement(meta, 0x0010, "UI", padUID(transferSyntaxUID))
	meta = appendMetaElement(meta, 0x0012, "UI", padUID(implementationClassUID))

	// Group length element precedes the rest of group 0002.
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(len(meta)))
	head := appendMetaElement(nil, 0x0000, "UL", groupLen)

	buf := make([]byte, 0, 132+len(head)+len(meta))
	buf = append(buf, make([]byte, 128)...)
	buf = append(buf, 'D', 'I', 'C', 'M')
	buf = append(buf, head...)
	return append(buf, meta...)
}

// appendMetaElement encodes one group-0002 element with explicit VR little
// endian, the mandatory encoding for file meta information.
func appendMetaElement(buf []byte, element uint16, vr string, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, 0x0002)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = append(buf, vr[0], vr[1])
	switch vr {
	case "OB", "OW", "OF", "SQ", "UN", "UT":
		buf = append(buf, 0x00, 0x00)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	default:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
	}
	return append(buf, value...)
}
