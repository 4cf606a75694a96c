package scp

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types defined by the DICOM upper layer protocol.
const (
	pduTypeAssociateRQ = 0x01
	pduTypeAssociateAC = 0x02
	pduTypeAssociateRJ = 0x03
	pduTypePDataTF     = 0x04
	pduTypeReleaseRQ   = 0x05
	pduTypeReleaseRP   = 0x06
	pduTypeAbort       = 0x07
)

// A-ASSOCIATE-RJ fields. Reason values are specific to source 1 (service
// user).
const (
	rejectResultPermanent        = 0x01
	rejectSourceServiceUser      = 0x01
	rejectReasonNoReasonGiven    = 0x01
	rejectReasonCalledAEUnknown  = 0x07
	rejectReasonCallingAEUnknown = 0x03
)

// Presentation context negotiation results.
const (
	presResultAcceptance           = 0x00
	presResultRejectAbstractSyntax = 0x03
	presResultRejectTransferSyntax = 0x04
)

// pdu is one upper-layer protocol data unit.
type pdu struct {
	Type byte
	Data []byte
}

// presentationContext is one negotiated presentation context.
type presentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// associateRQ is the parsed A-ASSOCIATE-RQ.
type associateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	MaxPDULength   uint32
	Contexts       map[byte]*presentationContext
}

// readPDU reads one complete PDU. maxLength bounds the accepted payload so a
// misbehaving peer cannot make us allocate unbounded memory.
func readPDU(r io.Reader, maxLength uint32) (*pdu, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if maxLength > 0 && length > maxLength+1024 {
		return nil, fmt.Errorf("pdu length %d exceeds negotiated maximum", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read pdu payload: %w", err)
	}
	return &pdu{Type: header[0], Data: data}, nil
}

func writePDU(w io.Writer, pduType byte, data []byte) error {
	buf := make([]byte, 0, 6+len(data))
	buf = append(buf, pduType, 0x00)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write pdu: %w", err)
	}
	return nil
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// parseAssociateRQ decodes the fixed fields and variable items of an
// A-ASSOCIATE-RQ, negotiating each proposed presentation context against the
// supported abstract and transfer syntaxes.
func parseAssociateRQ(p *pdu) (*associateRQ, error) {
	if p.Type != pduTypeAssociateRQ {
		return nil, fmt.Errorf("expected A-ASSOCIATE-RQ, got pdu type 0x%02x", p.Type)
	}
	data := p.Data
	if len(data) < 68 {
		return nil, fmt.Errorf("association request too short: %d bytes", len(data))
	}

	rq := &associateRQ{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
		MaxPDULength:   16384,
		Contexts:       make(map[byte]*presentationContext),
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("association item 0x%02x exceeds pdu length", itemType)
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x20: // Presentation Context
			ctx, err := negotiatePresentationContext(itemData)
			if err != nil {
				return nil, err
			}
			rq.Contexts[ctx.ID] = ctx
		case 0x50: // User Information
			if maxLen := parseMaxPDULength(itemData); maxLen > 0 {
				rq.MaxPDULength = maxLen
			}
		}
		offset = valueEnd
	}

	return rq, nil
}

// negotiatePresentationContext parses one proposed context and decides its
// result. Transfer syntax selection follows our preference order across the
// SCU's proposals.
func negotiatePresentationContext(data []byte) (*presentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context item too short: %d bytes", len(data))
	}

	ctxID := data[0]
	var abstractSyntax string
	proposed := make(map[string]bool)

	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctxID)
		}
		value := data[valueStart:valueEnd]

		switch subType {
		case 0x30:
			abstractSyntax = normalizeUID(value)
		case 0x40:
			proposed[normalizeUID(value)] = true
		}
		offset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctxID)
	}

	ctx := &presentationContext{ID: ctxID, AbstractSyntax: abstractSyntax}
	if !supportsAbstractSyntax(abstractSyntax) {
		ctx.Result = presResultRejectAbstractSyntax
		return ctx, nil
	}

	for _, ts := range transferSyntaxes {
		if proposed[ts] {
			ctx.TransferSyntax = ts
			ctx.Result = presResultAcceptance
			return ctx, nil
		}
	}
	ctx.Result = presResultRejectTransferSyntax
	return ctx, nil
}

func parseMaxPDULength(data []byte) uint32 {
	offset := 0
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return 0
		}
		if subType == 0x51 && subLength == 4 {
			return binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}
		offset = valueEnd
	}
	return 0
}

// buildAssociateAC assembles the A-ASSOCIATE-AC payload. Per PS3.8 every
// proposed context is echoed back with its result; accepted contexts carry
// the selected transfer syntax, rejected ones carry no sub-items.
func buildAssociateAC(rq *associateRQ, serverAETitle string, maxPDULength uint32) []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], fmt.Sprintf("%-16s", clipAE(rq.CalledAETitle)))
	copy(fixed[20:36], fmt.Sprintf("%-16s", clipAE(rq.CallingAETitle)))

	var items []byte
	items = appendItem(items, 0x10, []byte(ApplicationContextUID))

	for _, id := range sortedContextIDs(rq.Contexts) {
		ctx := rq.Contexts[id]
		body := []byte{ctx.ID, ctx.Result, 0x00, 0x00}
		if ctx.Result == presResultAcceptance {
			body = appendItem(body, 0x40, []byte(ctx.TransferSyntax))
		}
		items = appendItem(items, 0x21, body)
	}

	var userInfo []byte
	maxPDU := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDU, maxPDULength)
	userInfo = appendItem(userInfo, 0x51, maxPDU)
	userInfo = appendItem(userInfo, 0x52, []byte(implementationClassUID))
	userInfo = appendItem(userInfo, 0x55, []byte(implementationVersionName))
	items = appendItem(items, 0x50, userInfo)

	return append(fixed, items...)
}

// buildAssociateRJ assembles the 4-byte A-ASSOCIATE-RJ payload.
func buildAssociateRJ(result, source, reason byte) []byte {
	return []byte{0x00, result, source, reason}
}

func buildAbort() []byte {
	// source 2 (service provider), reason 0 (not specified)
	return []byte{0x00, 0x00, 0x02, 0x00}
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func clipAE(ae string) string {
	if len(ae) > 16 {
		return ae[:16]
	}
	return ae
}

func sortedContextIDs(ctxs map[byte]*presentationContext) []byte {
	ids := make([]byte, 0, len(ctxs))
	for id := range ctxs {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] > ids[j] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	return ids
}

// acceptedContextCount reports how many proposed contexts were accepted.
func acceptedContextCount(ctxs map[byte]*presentationContext) int {
	n := 0
	for _, ctx := range ctxs {
		if ctx.Result == presResultAcceptance {
			n++
		}
	}
	return n
}
