package ingestion

import (
	"context"
	"fmt"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
)

// Submitter applies one typed command. *core.Runner is the production one.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Receipt, error)
}

// IngestService is the single entry for commands from every surface: NATS
// subscribers and the API both parse and submit through it.
type IngestService struct {
	parser    *Parser
	submitter Submitter
}

func NewIngestService(parser *Parser, submitter Submitter) *IngestService {
	return &IngestService{parser: parser, submitter: submitter}
}

// Ingest parses a wire command of the named type and applies it.
func (s *IngestService) Ingest(ctx context.Context, eventType string, data []byte) (*core.Receipt, error) {
	evt, err := s.parser.Parse(ctx, eventType, data)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, evt)
}

// Submit applies an already typed command, e.g. from genesis.
func (s *IngestService) Submit(ctx context.Context, evt event.Event) (*core.Receipt, error) {
	return s.submitter.Submit(ctx, evt)
}

// CoreAssets resolves assets from live core state.
type CoreAssets struct {
	Runner *core.Runner
}

func (a CoreAssets) PoolAsset(ctx context.Context, poolID uint64) (string, error) {
	var id ledger.AssetID
	err := a.Runner.View(ctx, func(c *core.DeterministicCore) error {
		v, err := c.PoolAt(poolID, 0)
		if err != nil {
			return err
		}
		id = v.Pool.AssetID
		return nil
	})
	if err != nil {
		return "", err
	}
	return assetName(id)
}

func (a CoreAssets) PositionAsset(ctx context.Context, positionID uint64) (string, error) {
	var id ledger.AssetID
	err := a.Runner.View(ctx, func(c *core.DeterministicCore) error {
		v, err := c.PositionAt(positionID, 0)
		if err != nil {
			return err
		}
		id = v.AssetID
		return nil
	})
	if err != nil {
		return "", err
	}
	return assetName(id)
}

func (a CoreAssets) CoverAsset(ctx context.Context, coverID uint64) (string, error) {
	var id ledger.AssetID
	err := a.Runner.View(ctx, func(c *core.DeterministicCore) error {
		cv, err := c.CoverAt(coverID, 0)
		if err != nil {
			return err
		}
		v, err := c.PoolAt(cv.PoolID, 0)
		if err != nil {
			return err
		}
		id = v.Pool.AssetID
		return nil
	})
	if err != nil {
		return "", err
	}
	return assetName(id)
}

func assetName(id ledger.AssetID) (string, error) {
	name, ok := ledger.GetAssetName(id)
	if !ok {
		return "", fmt.Errorf("asset id %d not registered", id)
	}
	return name, nil
}
