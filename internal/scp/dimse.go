package scp

import (
	"encoding/binary"
	"strings"
)

// DIMSE command fields handled by the listener.
const (
	cmdCStoreRQ  = 0x0001
	cmdCStoreRSP = 0x8001
	cmdCEchoRQ   = 0x0030
	cmdCEchoRSP  = 0x8030
)

// DIMSE status codes returned to the SCU.
const (
	StatusSuccess              uint16 = 0x0000
	StatusCannotUnderstand     uint16 = 0xC000
	StatusProcessingFailure    uint16 = 0xC001
	StatusSOPClassNotSupported uint16 = 0x0122
)

const noDataset = 0x0101

// dimseCommand is a decoded group-0000 command set. Commands travel as
// implicit VR little endian regardless of the negotiated transfer syntax.
type dimseCommand struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
}

// HasDataset reports whether a dataset follows the command set.
func (c *dimseCommand) HasDataset() bool {
	return c.CommandDataSetType != noDataset
}

// decodeCommand walks the implicit VR element stream of a command set.
func decodeCommand(data []byte) *dimseCommand {
	cmd := &dimseCommand{CommandDataSetType: noDataset}
	offset := 0

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if offset+8+int(length) > len(data) {
			break
		}
		value := data[offset+8 : offset+8+int(length)]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				cmd.AffectedSOPClassUID = strings.TrimRight(string(value), "\x00 ")
			case 0x0100:
				if len(value) >= 2 {
					cmd.CommandField = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0110:
				if len(value) >= 2 {
					cmd.MessageID = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0120:
				if len(value) >= 2 {
					cmd.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0700:
				if len(value) >= 2 {
					cmd.Priority = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0800:
				if len(value) >= 2 {
					cmd.CommandDataSetType = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0900:
				if len(value) >= 2 {
					cmd.Status = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x1000:
				cmd.AffectedSOPInstanceUID = strings.TrimRight(string(value), "\x00 ")
			}
		}
		offset += 8 + int(length)
	}

	return cmd
}

// encodeResponse builds the command set of a DIMSE response. Status is
// always present, success included, so the SCU can read an explicit result.
func encodeResponse(commandField, messageID, status uint16, sopClassUID, sopInstanceUID string) []byte {
	buf := make([]byte, 0, 192)

	// Command Group Length placeholder, patched below.
	buf = appendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if sopClassUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x0002, padUID(sopClassUID))
	}
	buf = appendImplicitElement(buf, 0x0000, 0x0100, leUint16(commandField))
	buf = appendImplicitElement(buf, 0x0000, 0x0120, leUint16(messageID))
	buf = appendImplicitElement(buf, 0x0000, 0x0800, leUint16(noDataset))
	buf = appendImplicitElement(buf, 0x0000, 0x0900, leUint16(status))
	if sopInstanceUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x1000, padUID(sopInstanceUID))
	}

	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], uint32(len(buf)-lengthPos-4))
	return buf
}

func appendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func leUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// padUID null-pads a UID value to even length as the encoding rules require.
func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

// buildPDataTF frames a command set into P-DATA-TF PDUs honoring the peer's
// maximum PDU length. Each returned slice is one complete PDU.
func buildPDataTF(presContextID byte, data []byte, isCommand bool, maxPDULength uint32) [][]byte {
	maxChunk := int(maxPDULength) - 12
	if maxChunk <= 0 {
		maxChunk = len(data)
	}

	var pdus [][]byte
	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxChunk {
			chunk = maxChunk
			last = false
		}

		control := byte(0)
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}

		pdv := make([]byte, 0, 6+chunk)
		pdv = binary.BigEndian.AppendUint32(pdv, uint32(chunk+2))
		pdv = append(pdv, presContextID, control)
		pdv = append(pdv, data[offset:offset+chunk]...)

		buf := make([]byte, 0, 6+len(pdv))
		buf = append(buf, pduTypePDataTF, 0x00)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(pdv)))
		buf = append(buf, pdv...)
		pdus = append(pdus, buf)

		offset += chunk
		if offset >= len(data) {
			return pdus
		}
	}
}
