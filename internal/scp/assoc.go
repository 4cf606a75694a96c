package scp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/noctislabs/noctis-pacs/internal/config"
	"github.com/noctislabs/noctis-pacs/internal/models"
	"github.com/noctislabs/noctis-pacs/internal/store"
)

// StoreRequest describes one fully staged instance handed to ingest. The
// staged file already carries its part-10 wrapper; Digest and Size cover the
// bytes on disk.
type StoreRequest struct {
	CallingAETitle    string
	CalledAETitle     string
	PeerAddress       string
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	TempKey           string
	Digest            string
	Size              int64
}

// Ingestor indexes a staged instance and returns the DIMSE status to send
// back to the SCU. Implementations own the staged file from this point on.
type Ingestor interface {
	IngestStaged(ctx context.Context, req StoreRequest) uint16
}

// EventRecorder appends rows to the ingest log.
type EventRecorder interface {
	RecordEvent(ctx context.Context, evt *models.IngestEvent) error
}

// Stager is the slice of the object store the association needs.
type Stager interface {
	StageNew() (*store.Stage, error)
	DiscardStage(tempKey string) error
}

// association owns the state of one accepted TCP connection. It is single
// owner: nothing outside the handling goroutine touches it.
type association struct {
	conn     net.Conn
	cfg      config.SCPConfig
	ingestor Ingestor
	events   EventRecorder
	stager   Stager
	logger   zerolog.Logger

	rq       *associateRQ
	deadline time.Time // zero = unlimited

	cmdBuf  []byte
	pending *storeTransfer
}

// storeTransfer tracks an in-flight C-STORE dataset.
type storeTransfer struct {
	cmd    *dimseCommand
	ctxID  byte
	stage  *store.Stage
	failed bool
}

func newAssociation(conn net.Conn, cfg config.SCPConfig, ingestor Ingestor, events EventRecorder, stager Stager) *association {
	a := &association{
		conn:     conn,
		cfg:      cfg,
		ingestor: ingestor,
		events:   events,
		stager:   stager,
		logger:   log.With().Str("remote_addr", conn.RemoteAddr().String()).Logger(),
	}
	if cfg.AssociationTimeout > 0 {
		a.deadline = time.Now().Add(cfg.AssociationTimeout)
	}
	return a
}

// run drives the association from negotiation to release. The returned
// outcome labels the associations_total metric.
func (a *association) run(ctx context.Context) (outcome string) {
	defer a.cleanup()

	p, err := a.readNext()
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to read association request")
		return "error"
	}

	rq, err := parseAssociateRQ(p)
	if err != nil {
		a.logger.Warn().Err(err).Msg("malformed association request")
		_ = writePDU(a.conn, pduTypeAbort, buildAbort())
		return "error"
	}
	a.rq = rq
	a.logger = a.logger.With().
		Str("calling_ae", rq.CallingAETitle).
		Str("called_ae", rq.CalledAETitle).
		Logger()

	if reason, ok := a.validateAETitles(); !ok {
		a.recordReject(ctx, "unknown_ae_title")
		_ = writePDU(a.conn, pduTypeAssociateRJ, buildAssociateRJ(rejectResultPermanent, rejectSourceServiceUser, reason))
		a.logger.Warn().Msg("association rejected: AE title not allowed")
		return "rejected_ae"
	}

	if acceptedContextCount(rq.Contexts) == 0 {
		a.recordReject(ctx, "no_acceptable_presentation_context")
		_ = writePDU(a.conn, pduTypeAssociateRJ, buildAssociateRJ(rejectResultPermanent, rejectSourceServiceUser, rejectReasonNoReasonGiven))
		a.logger.Warn().Msg("association rejected: no acceptable presentation context")
		return "rejected_context"
	}

	if err := writePDU(a.conn, pduTypeAssociateAC, buildAssociateAC(rq, a.cfg.AETitle, a.cfg.MaxPDULength)); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send association accept")
		return "error"
	}
	a.logger.Info().
		Int("accepted_contexts", acceptedContextCount(rq.Contexts)).
		Uint32("peer_max_pdu", rq.MaxPDULength).
		Msg("association established")

	for {
		p, err := a.readNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				a.logger.Info().Msg("connection closed by peer")
				return "closed"
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				a.logger.Warn().Msg("association timed out, aborting")
				_ = writePDU(a.conn, pduTypeAbort, buildAbort())
				return "timeout"
			}
			a.logger.Warn().Err(err).Msg("failed to read pdu")
			return "error"
		}

		switch p.Type {
		case pduTypePDataTF:
			if err := a.handlePDataTF(ctx, p); err != nil {
				a.logger.Warn().Err(err).Msg("data transfer failed, aborting")
				_ = writePDU(a.conn, pduTypeAbort, buildAbort())
				return "error"
			}
		case pduTypeReleaseRQ:
			_ = writePDU(a.conn, pduTypeReleaseRP, make([]byte, 4))
			a.logger.Info().Msg("association released")
			return "released"
		case pduTypeAbort:
			a.logger.Info().Msg("association aborted by peer")
			return "aborted"
		default:
			a.logger.Warn().Uint8("pdu_type", p.Type).Msg("unexpected pdu type, aborting")
			_ = writePDU(a.conn, pduTypeAbort, buildAbort())
			return "error"
		}
	}
}

// readNext reads one PDU honoring the idle and total association timeouts.
func (a *association) readNext() (*pdu, error) {
	deadline := time.Now().Add(a.cfg.IdleTimeout)
	if !a.deadline.IsZero() && a.deadline.Before(deadline) {
		deadline = a.deadline
	}
	if err := a.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	return readPDU(a.conn, a.cfg.MaxPDULength)
}

// validateAETitles checks the called title against our own and the calling
// title against the allow list. An empty allow list accepts any caller.
func (a *association) validateAETitles() (reason byte, ok bool) {
	if a.rq.CalledAETitle != a.cfg.AETitle {
		return rejectReasonCalledAEUnknown, false
	}
	if len(a.cfg.AllowedCallingAETitles) == 0 {
		return 0, true
	}
	for _, allowed := range a.cfg.AllowedCallingAETitles {
		if a.rq.CallingAETitle == allowed {
			return 0, true
		}
	}
	return rejectReasonCallingAEUnknown, false
}

// handlePDataTF walks the PDVs of one P-DATA-TF PDU. Command fragments are
// reassembled in memory; dataset fragments are streamed straight into the
// staging file so a large instance never accumulates in memory.
func (a *association) handlePDataTF(ctx context.Context, p *pdu) error {
	offset := 0
	for offset < len(p.Data) {
		if offset+6 > len(p.Data) {
			return fmt.Errorf("malformed pdv at offset %d", offset)
		}
		pdvLength := int(binary.BigEndian.Uint32(p.Data[offset : offset+4]))
		end := offset + 4 + pdvLength
		if pdvLength < 2 || end > len(p.Data) {
			return fmt.Errorf("pdv length %d exceeds pdu payload", pdvLength)
		}

		ctxID := p.Data[offset+4]
		control := p.Data[offset+5]
		value := p.Data[offset+6 : end]
		isCommand := control&0x01 != 0
		isLast := control&0x02 != 0

		if isCommand {
			a.cmdBuf = append(a.cmdBuf, value...)
			if isLast {
				cmd := decodeCommand(a.cmdBuf)
				a.cmdBuf = nil
				if err := a.dispatchCommand(ctx, ctxID, cmd); err != nil {
					return err
				}
			}
		} else {
			if err := a.consumeDataset(ctx, ctxID, value, isLast); err != nil {
				return err
			}
		}
		offset = end
	}
	return nil
}

func (a *association) dispatchCommand(ctx context.Context, ctxID byte, cmd *dimseCommand) error {
	switch cmd.CommandField {
	case cmdCEchoRQ:
		a.logger.Debug().Uint16("message_id", cmd.MessageID).Msg("C-ECHO")
		return a.respond(ctxID, encodeResponse(cmdCEchoRSP, cmd.MessageID, StatusSuccess, VerificationSOPClass, ""))
	case cmdCStoreRQ:
		return a.beginStore(ctx, ctxID, cmd)
	default:
		return fmt.Errorf("unsupported DIMSE command 0x%04x", cmd.CommandField)
	}
}

// beginStore opens a staging file for the incoming dataset and writes its
// part-10 wrapper. Failures are remembered so the dataset can still be
// drained and a processing-failure status returned in order.
func (a *association) beginStore(ctx context.Context, ctxID byte, cmd *dimseCommand) error {
	if a.pending != nil {
		return fmt.Errorf("C-STORE while previous transfer still in flight")
	}

	presCtx, ok := a.rq.Contexts[ctxID]
	if !ok || presCtx.Result != presResultAcceptance {
		return fmt.Errorf("C-STORE on unnegotiated presentation context %d", ctxID)
	}

	if !IsStorageSOPClass(cmd.AffectedSOPClassUID) {
		a.logger.Warn().Str("sop_class_uid", cmd.AffectedSOPClassUID).Msg("C-STORE for unsupported SOP class")
		if !cmd.HasDataset() {
			return a.respond(ctxID, encodeResponse(cmdCStoreRSP, cmd.MessageID, StatusSOPClassNotSupported, cmd.AffectedSOPClassUID, cmd.AffectedSOPInstanceUID))
		}
		a.pending = &storeTransfer{cmd: cmd, ctxID: ctxID, failed: true}
		return nil
	}

	a.pending = &storeTransfer{cmd: cmd, ctxID: ctxID}
	if !cmd.HasDataset() {
		// A C-STORE with no dataset cannot be understood.
		a.pending = nil
		return a.respond(ctxID, encodeResponse(cmdCStoreRSP, cmd.MessageID, StatusCannotUnderstand, cmd.AffectedSOPClassUID, cmd.AffectedSOPInstanceUID))
	}

	stage, err := a.stager.StageNew()
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to open staging file")
		a.pending.failed = true
		return nil
	}
	header := buildPart10Header(cmd.AffectedSOPClassUID, cmd.AffectedSOPInstanceUID, presCtx.TransferSyntax)
	if _, err := stage.Write(header); err != nil {
		a.logger.Error().Err(err).Msg("failed to write staging header")
		stage.Close()
		_ = a.stager.DiscardStage(stage.TempKey)
		a.pending.failed = true
		return nil
	}
	a.pending.stage = stage
	return nil
}

func (a *association) consumeDataset(ctx context.Context, ctxID byte, value []byte, isLast bool) error {
	t := a.pending
	if t == nil {
		return fmt.Errorf("dataset pdv without a pending C-STORE")
	}
	if ctxID != t.ctxID {
		return fmt.Errorf("dataset pdv on context %d, expected %d", ctxID, t.ctxID)
	}

	if !t.failed {
		if _, err := t.stage.Write(value); err != nil {
			a.logger.Error().Err(err).Msg("failed to write dataset to staging")
			t.stage.Close()
			_ = a.stager.DiscardStage(t.stage.TempKey)
			t.stage = nil
			t.failed = true
		}
	}

	if !isLast {
		return nil
	}
	a.pending = nil

	if t.failed {
		status := StatusProcessingFailure
		if !IsStorageSOPClass(t.cmd.AffectedSOPClassUID) {
			status = StatusSOPClassNotSupported
		}
		return a.respond(t.ctxID, encodeResponse(cmdCStoreRSP, t.cmd.MessageID, status, t.cmd.AffectedSOPClassUID, t.cmd.AffectedSOPInstanceUID))
	}

	if err := t.stage.Close(); err != nil {
		a.logger.Error().Err(err).Msg("failed to close staging file")
		_ = a.stager.DiscardStage(t.stage.TempKey)
		return a.respond(t.ctxID, encodeResponse(cmdCStoreRSP, t.cmd.MessageID, StatusProcessingFailure, t.cmd.AffectedSOPClassUID, t.cmd.AffectedSOPInstanceUID))
	}

	presCtx := a.rq.Contexts[t.ctxID]
	status := a.ingestor.IngestStaged(ctx, StoreRequest{
		CallingAETitle:    a.rq.CallingAETitle,
		CalledAETitle:     a.rq.CalledAETitle,
		PeerAddress:       a.conn.RemoteAddr().String(),
		SOPClassUID:       t.cmd.AffectedSOPClassUID,
		SOPInstanceUID:    t.cmd.AffectedSOPInstanceUID,
		TransferSyntaxUID: presCtx.TransferSyntax,
		TempKey:           t.stage.TempKey,
		Digest:            t.stage.Digest(),
		Size:              t.stage.Size(),
	})
	return a.respond(t.ctxID, encodeResponse(cmdCStoreRSP, t.cmd.MessageID, status, t.cmd.AffectedSOPClassUID, t.cmd.AffectedSOPInstanceUID))
}

func (a *association) respond(ctxID byte, commandData []byte) error {
	maxPDU := uint32(16384)
	if a.rq != nil && a.rq.MaxPDULength > 0 {
		maxPDU = a.rq.MaxPDULength
	}
	for _, p := range buildPDataTF(ctxID, commandData, true, maxPDU) {
		if _, err := a.conn.Write(p); err != nil {
			return fmt.Errorf("failed to write response pdu: %w", err)
		}
	}
	return nil
}

func (a *association) recordReject(ctx context.Context, reason string) {
	evt := &models.IngestEvent{
		CallingAETitle: a.rq.CallingAETitle,
		CalledAETitle:  a.rq.CalledAETitle,
		PeerAddress:    a.conn.RemoteAddr().String(),
		Result:         models.IngestRejected,
		RejectReason:   reason,
	}
	if err := a.events.RecordEvent(ctx, evt); err != nil {
		a.logger.Warn().Err(err).Msg("failed to record reject event")
	}
}

// cleanup discards any partially staged transfer, as required after an abort
// or error from any state.
func (a *association) cleanup() {
	if t := a.pending; t != nil && t.stage != nil {
		t.stage.Close()
		_ = a.stager.DiscardStage(t.stage.TempKey)
		a.pending = nil
	}
	_ = a.conn.Close()
}
