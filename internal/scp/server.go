package scp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/noctislabs/noctis-pacs/internal/config"
	"github.com/noctislabs/noctis-pacs/internal/metrics"
)

// Server is the DICOM store SCP listener. One goroutine per association;
// the semaphore bounds how many run at once.
type Server struct {
	cfg      config.SCPConfig
	ingestor Ingestor
	events   EventRecorder
	stager   Stager
	sem      chan struct{}
}

// NewServer wires the listener to its collaborators.
func NewServer(cfg config.SCPConfig, ingestor Ingestor, events EventRecorder, stager Stager) *Server {
	return &Server{
		cfg:      cfg,
		ingestor: ingestor,
		events:   events,
		stager:   stager,
		sem:      make(chan struct{}, cfg.MaxAssociations),
	}
}

// ListenAndServe accepts associations until ctx is cancelled. It waits for
// in-flight associations to finish before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on scp port: %w", err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.Info().
		Str("address", listener.Addr().String()).
		Str("ae_title", s.cfg.AETitle).
		Int("max_associations", s.cfg.MaxAssociations).
		Msg("DICOM SCP listening")

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			wg.Wait()
			return fmt.Errorf("scp accept failed: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
		default:
			wg.Add(1)
			go func(c net.Conn) {
				defer wg.Done()
				s.rejectOverCapacity(c)
			}(conn)
			continue
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.handle(ctx, c)
		}(conn)
	}

	wg.Wait()
	return ctx.Err()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	metrics.AssociationsActive.Inc()
	defer metrics.AssociationsActive.Dec()

	assoc := newAssociation(conn, s.cfg, s.ingestor, s.events, s.stager)
	outcome := assoc.run(ctx)
	metrics.AssociationsTotal.WithLabelValues(outcome).Inc()
}

// rejectOverCapacity answers the association request with a permanent
// reject, reason "no reason given", when the association cap is hit.
func (s *Server) rejectOverCapacity(conn net.Conn) {
	defer conn.Close()
	metrics.AssociationsTotal.WithLabelValues("rejected_capacity").Inc()

	// Read the A-ASSOCIATE-RQ so the reject lands after the request.
	if _, err := readPDU(conn, s.cfg.MaxPDULength); err != nil {
		return
	}
	_ = writePDU(conn, pduTypeAssociateRJ, buildAssociateRJ(rejectResultPermanent, rejectSourceServiceUser, rejectReasonNoReasonGiven))
	log.Warn().Str("remote_addr", conn.RemoteAddr().String()).Msg("association rejected: capacity reached")
}
