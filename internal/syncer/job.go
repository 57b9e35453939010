package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ledgersync/internal/canonical"
	"ledgersync/internal/connector"
	"ledgersync/internal/domain"
	"ledgersync/internal/observability"
	"ledgersync/internal/storage"
)

var phaseNames = map[int]string{
	connector.PhaseCore:        "core",
	connector.PhaseConversions: "conversions",
	connector.PhasePassive:     "passive",
	connector.PhaseMargin:      "margin",
}

// runSync executes one sync pass. Phases run strictly in order with the
// cursor persisted after each, so a retry after a mid-pass failure resumes
// at the failed phase instead of re-fetching completed ones.
func (s *Service) runSync(ctx context.Context, j *job) (string, error) {
	conn, err := s.connections.GetByID(ctx, j.connectionID)
	if err != nil {
		return "", backoff.Permanent(err)
	}

	c, err := s.buildConnector(conn)
	if err != nil {
		return conn.Exchange, backoff.Permanent(fmt.Errorf("build connector: %w", err))
	}
	if err := c.TestConnection(ctx); err != nil {
		return conn.Exchange, fmt.Errorf("test connection: %w", err)
	}

	cursor := conn.SyncCursor
	if cursor == nil {
		cursor = domain.NewSyncCursor()
	}
	full := j.fullSync
	if full {
		for phase := connector.PhaseCore; phase <= connector.MaxPhase; phase++ {
			cursor.ResetPhase(phase)
		}
		// Retries of this job continue incrementally from the reset state.
		j.fullSync = false
	}

	var failed []string
	for phase := connector.PhaseCore; phase <= connector.MaxPhase; phase++ {
		cursor.SetPhaseStatus(phase, domain.PhaseInProgress)
		if err := s.connections.UpdateCursor(ctx, conn.ID, cursor); err != nil {
			return conn.Exchange, fmt.Errorf("persist cursor: %w", err)
		}

		name := phaseNames[phase]
		phaseStart := time.Now()
		res, err := c.FetchPhase(ctx, phase, connector.FetchOptions{
			Cursor:   cursor.PhaseCursor(phase),
			FullSync: full,
		})
		if err == nil {
			// Inserts are deduplicated, so a store failure here leaves the
			// phase cursor unadvanced and the re-fetch is harmless.
			err = s.persistRecords(ctx, conn, res.Records)
		}
		if err != nil {
			failed = append(failed, fmt.Sprintf("phase %d: %v", phase, err))
			cursor.SetPhaseStatus(phase, domain.PhaseFailed)
			if uerr := s.connections.UpdateCursor(ctx, conn.ID, cursor); uerr != nil {
				return conn.Exchange, fmt.Errorf("persist cursor: %w", uerr)
			}
			observability.RecordPhaseRun(conn.Exchange, name, "failed", time.Since(phaseStart).Seconds())
			s.logger.Printf("job %s: connection %s phase %d failed: %v", j.id, conn.ID, phase, err)
			continue
		}

		cursor.SetPhaseCursor(phase, res.Cursor)
		status := domain.PhaseDone
		metricStatus := "ok"
		if len(res.Errors) > 0 {
			status = domain.PhasePartial
			metricStatus = "partial"
			for _, ee := range res.Errors {
				observability.RecordEndpointError(conn.Exchange, ee.Endpoint)
				s.logger.Printf("job %s: connection %s phase %d endpoint %s: %v", j.id, conn.ID, phase, ee.Endpoint, ee.Err)
			}
		}
		cursor.SetPhaseStatus(phase, status)
		if err := s.connections.UpdateCursor(ctx, conn.ID, cursor); err != nil {
			return conn.Exchange, fmt.Errorf("persist cursor: %w", err)
		}
		observability.RecordRecordsFetched(conn.Exchange, name, len(res.Records))
		observability.RecordPhaseRun(conn.Exchange, name, metricStatus, time.Since(phaseStart).Seconds())
	}

	s.harvestAddresses(ctx, conn, c)

	// Reconciliation always runs after the pass, never interleaved with
	// phases; committed links make reruns no-ops.
	if s.reconciler != nil {
		if res, err := s.reconciler.Run(ctx, conn); err != nil {
			failed = append(failed, fmt.Sprintf("reconcile: %v", err))
		} else {
			observability.RecordReconciliation(res.DirectLinks, res.ScoredLinks, res.OffRamps, res.Reclassified)
		}
	}

	if err := s.connections.SetLastSyncAt(ctx, conn.ID, time.Now().UTC()); err != nil {
		s.logger.Printf("job %s: last sync timestamp update failed: %v", j.id, err)
	}

	if len(failed) > 0 {
		msg := strings.Join(failed, "; ")
		if uerr := s.connections.UpdateStatus(ctx, conn.ID, domain.ConnectionError, msg); uerr != nil {
			s.logger.Printf("job %s: status update failed: %v", j.id, uerr)
		}
		return conn.Exchange, fmt.Errorf("sync incomplete: %s", msg)
	}
	if err := s.connections.UpdateStatus(ctx, conn.ID, domain.ConnectionActive, ""); err != nil {
		s.logger.Printf("job %s: status update failed: %v", j.id, err)
	}
	return conn.Exchange, nil
}

// buildConnector decrypts the connection credentials and instantiates its
// registered connector.
func (s *Service) buildConnector(conn *domain.Connection) (connector.Connector, error) {
	apiKey, err := s.cipher.Decrypt(conn.EncryptedAPIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := s.cipher.Decrypt(conn.EncryptedAPISecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}
	return s.registry.New(conn.Exchange, connector.Credentials{
		APIKey:    string(apiKey),
		APISecret: string(apiSecret),
	})
}

// persistRecords maps raw records into canonical transactions and stores
// them. Duplicates are skipped; records with no canonical mapping land in
// the review queue instead of aborting the phase.
func (s *Service) persistRecords(ctx context.Context, conn *domain.Connection, records []*domain.ExchangeRecord) error {
	for _, rec := range records {
		tx, flows, err := s.mapper.Map(conn, rec)
		if err != nil {
			if errors.Is(err, canonical.ErrUnmappedType) {
				observability.RecordUnmapped(conn.Exchange, string(rec.Type))
				s.queueUnmapped(ctx, conn, rec)
				continue
			}
			return fmt.Errorf("map record %s: %w", rec.ExternalID, err)
		}

		flowPtrs := make([]*domain.Flow, len(flows))
		for i := range flows {
			flowPtrs[i] = &flows[i]
		}
		switch err := s.transactions.Insert(ctx, tx, flowPtrs); {
		case err == nil:
			observability.RecordInsert(false)
		case errors.Is(err, storage.ErrDuplicateKey):
			observability.RecordInsert(true)
		default:
			return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
		}

		if rec.Type == domain.RecordDeposit && rec.Address != "" && s.addresses != nil {
			err := s.addresses.Upsert(ctx, &domain.DepositAddress{
				ConnectionID: conn.ID,
				Asset:        rec.Asset,
				Network:      rec.Network,
				Address:      rec.Address,
			})
			if err != nil {
				s.logger.Printf("connection %s: address harvest for %s failed: %v", conn.ID, rec.Asset, err)
			}
		}
	}
	return nil
}

func (s *Service) queueUnmapped(ctx context.Context, conn *domain.Connection, rec *domain.ExchangeRecord) {
	if s.reviews == nil {
		return
	}
	item := &domain.ReviewItem{
		UserID:        conn.UserID,
		Kind:          "UNMAPPED_RECORD",
		TransactionID: rec.ExternalID,
		Detail:        fmt.Sprintf("connection %s: no canonical mapping for %s record %s", conn.ID, rec.Type, rec.ExternalID),
	}
	if err := s.reviews.Insert(ctx, item); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		s.logger.Printf("connection %s: review item for record %s failed: %v", conn.ID, rec.ExternalID, err)
	}
}

// harvestAddresses stores the venue's current deposit addresses when the
// connector exposes them, feeding address-based classification.
func (s *Service) harvestAddresses(ctx context.Context, conn *domain.Connection, c connector.Connector) {
	daf, ok := c.(connector.DepositAddressFetcher)
	if !ok || s.addresses == nil {
		return
	}
	addrs, err := daf.FetchDepositAddresses(ctx)
	if err != nil {
		s.logger.Printf("connection %s: deposit address fetch failed: %v", conn.ID, err)
		return
	}
	for _, a := range addrs {
		a.ConnectionID = conn.ID
		if err := s.addresses.Upsert(ctx, &a); err != nil {
			s.logger.Printf("connection %s: address upsert failed: %v", conn.ID, err)
		}
	}
}
