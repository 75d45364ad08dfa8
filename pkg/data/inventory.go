package data

import (
	"context"
	"errors"
	"time"

	"datanet/pkg/storage"

	"go.uber.org/zap"
)

// InventoryStats summarises one inventory round.
type InventoryStats struct {
	Requests int
	Received int
	Applied  int
	// DataMissing is set when a peer reported more data than it sent.
	DataMissing bool
}

// RequestInventory asks every inventory capable broadcaster for the entries
// missing locally and applies them without re-broadcasting.
func (s *Service) RequestInventory(ctx context.Context) (InventoryStats, error) {
	var stats InventoryStats
	if err := s.checkRunning(); err != nil {
		return stats, err
	}

	filter := s.storage.FilterEntries()
	var errs []error
	for _, b := range s.snapshotBroadcasters() {
		requester, ok := b.(InventoryRequester)
		if !ok {
			continue
		}
		stats.Requests++

		inventories, err := requester.RequestInventory(ctx, filter)
		if err != nil {
			errs = append(errs, err)
			s.logger.Warn("Inventory request failed",
				zap.String("transport", string(b.TransportType())),
				zap.Error(err))
		}
		for _, inv := range inventories {
			if !inv.NoDataMissing() {
				stats.DataMissing = true
			}
			for _, req := range inv.Entries {
				stats.Received++
				if s.applyInventoryEntry(ctx, req) {
					stats.Applied++
				}
			}
		}
	}

	if stats.Requests > 0 {
		s.logger.Debug("Inventory round completed",
			zap.Int("requests", stats.Requests),
			zap.Int("received", stats.Received),
			zap.Int("applied", stats.Applied),
			zap.Bool("data_missing", stats.DataMissing))
	}
	return stats, errors.Join(errs...)
}

func (s *Service) applyInventoryEntry(ctx context.Context, req storage.DataRequest) bool {
	var (
		res storage.Result
		err error
	)
	switch r := req.(type) {
	case storage.AddDataRequest:
		res, err = s.ProcessAddDataRequest(ctx, r, false)
	case storage.RemoveDataRequest:
		res, err = s.ProcessRemoveDataRequest(ctx, r, false)
	}
	if err != nil {
		s.logger.Debug("Skipped inventory entry", zap.String("class", req.ClassName()), zap.Error(err))
		return false
	}
	return res.ShouldPropagate()
}

// StartInventorySync runs inventory rounds periodically until Shutdown. A
// round that leaves data missing is repeated at once, at most
// MaxInventoryRounds times.
func (s *Service) StartInventorySync() {
	started := false
	s.syncOnce.Do(func() {
		started = true
		go s.inventoryLoop()
	})
	if !started {
		s.logger.Debug("Inventory sync already running or shut down")
	}
}

func (s *Service) inventoryLoop() {
	defer close(s.syncDone)

	s.syncRounds()
	ticker := time.NewTicker(s.cfg.InventoryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.syncRounds()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) syncRounds() {
	for round := 0; round < s.cfg.MaxInventoryRounds; round++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InventoryInterval)
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		stats, _ := s.RequestInventory(ctx)
		cancel()

		if !stats.DataMissing || stats.Applied == 0 {
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}
