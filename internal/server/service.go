package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
)

const discountAsset = ledger.DiscountAsset

var errBadRequest = errors.New("bad request")

// Ingester parses and applies a wire command. *ingestion.IngestService.
type Ingester interface {
	Ingest(ctx context.Context, eventType string, data []byte) (*core.Receipt, error)
}

// Viewer runs read functions on the core goroutine. *core.Runner.
type Viewer interface {
	View(ctx context.Context, fn func(*core.DeterministicCore) error) error
}

// ReadModel serves the projected tables. *query.QueryService.
type ReadModel interface {
	ListPools(ctx context.Context) ([]query.PoolSummary, error)
	GetPositions(ctx context.Context, owner common.Address) ([]query.PositionSummary, error)
	GetCovers(ctx context.Context, owner common.Address, activeOnly bool) ([]query.CoverSummary, error)
	GetClaims(ctx context.Context, poolID uint64, limit int, before *int64) ([]query.ClaimRecord, error)
	GetBalances(ctx context.Context, owner common.Address) ([]query.BalanceEntry, error)
	GetJournalHistory(ctx context.Context, owner common.Address, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Operator runs maintenance tasks owned by the daemon.
type Operator interface {
	TakeSnapshot(ctx context.Context) (int64, error)
	RebuildProjections(ctx context.Context) (int64, error)
}

// CoverLedgerServer is the API surface, shared by gRPC and the gateway.
type CoverLedgerServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetPool(context.Context, *PoolRequest) (*LivePool, error)
	GetCover(context.Context, *CoverRequest) (*LiveCover, error)
	GetPosition(context.Context, *PositionRequest) (*LivePosition, error)
	GetOverlaps(context.Context, *OverlapRequest) (*OverlapList, error)
	ListPools(context.Context, *Empty) (*PoolList, error)
	ListPositions(context.Context, *OwnerRequest) (*PositionList, error)
	ListCovers(context.Context, *OwnerRequest) (*CoverList, error)
	ListClaims(context.Context, *ClaimsRequest) (*ClaimList, error)
	ListBalances(context.Context, *OwnerRequest) (*BalanceList, error)
	ListJournals(context.Context, *OwnerRequest) (*JournalList, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*AdminResponse, error)
	RebuildProjections(context.Context, *Empty) (*AdminResponse, error)
}

// Service implements CoverLedgerServer. Live views go through the core
// runner; history and listings come from the read model.
type Service struct {
	ingest   Ingester
	viewer   Viewer
	reads    ReadModel
	operator Operator
}

func NewService(ingest Ingester, viewer Viewer, reads ReadModel, operator Operator) *Service {
	return &Service{ingest: ingest, viewer: viewer, reads: reads, operator: operator}
}

var _ CoverLedgerServer = (*Service)(nil)

func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("type is required: %w", errBadRequest)
	}
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("command is required: %w", errBadRequest)
	}
	receipt, err := s.ingest.Ingest(ctx, req.Type, req.Command)
	if err != nil {
		return nil, err
	}
	return newSubmitResponse(receipt), nil
}

func (s *Service) GetPool(ctx context.Context, req *PoolRequest) (*LivePool, error) {
	var out *LivePool
	err := s.viewer.View(ctx, func(c *core.DeterministicCore) error {
		v, err := c.PoolAt(req.PoolID, req.At)
		if err != nil {
			return err
		}
		out = newLivePool(v)
		return nil
	})
	return out, err
}

func (s *Service) GetCover(ctx context.Context, req *CoverRequest) (*LiveCover, error) {
	var out *LiveCover
	err := s.viewer.View(ctx, func(c *core.DeterministicCore) error {
		v, err := c.CoverAt(req.CoverID, req.At)
		if err != nil {
			return err
		}
		pool, err := c.PoolAt(v.PoolID, req.At)
		if err != nil {
			return err
		}
		out = newLiveCover(v, assetOf(pool.Pool.AssetID))
		return nil
	})
	return out, err
}

func (s *Service) GetPosition(ctx context.Context, req *PositionRequest) (*LivePosition, error) {
	var out *LivePosition
	err := s.viewer.View(ctx, func(c *core.DeterministicCore) error {
		v, err := c.PositionAt(req.PositionID, req.At)
		if err != nil {
			return err
		}
		out = newLivePosition(v)
		return nil
	})
	return out, err
}

func (s *Service) GetOverlaps(ctx context.Context, req *OverlapRequest) (*OverlapList, error) {
	out := &OverlapList{PoolID: req.PoolID, Overlaps: []Overlap{}}
	err := s.viewer.View(ctx, func(c *core.DeterministicCore) error {
		v, err := c.PoolAt(req.PoolID, 0)
		if err != nil {
			return err
		}
		asset := assetOf(v.Pool.AssetID)
		ids, err := c.OverlappedPools(req.PoolID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			amount, err := c.PoolOverlaps(req.PoolID, id)
			if err != nil {
				return err
			}
			out.Overlaps = append(out.Overlaps, Overlap{PoolID: id, Amount: query.FormatAmount(asset, amount)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListPools(ctx context.Context, _ *Empty) (*PoolList, error) {
	pools, err := s.reads.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	return &PoolList{Pools: pools}, nil
}

func (s *Service) ListPositions(ctx context.Context, req *OwnerRequest) (*PositionList, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	positions, err := s.reads.GetPositions(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &PositionList{Positions: positions}, nil
}

func (s *Service) ListCovers(ctx context.Context, req *OwnerRequest) (*CoverList, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	covers, err := s.reads.GetCovers(ctx, owner, req.ActiveOnly)
	if err != nil {
		return nil, err
	}
	return &CoverList{Covers: covers}, nil
}

func (s *Service) ListClaims(ctx context.Context, req *ClaimsRequest) (*ClaimList, error) {
	claims, err := s.reads.GetClaims(ctx, req.PoolID, pageSize(req.Limit, 50, 200), cursor(req.Before))
	if err != nil {
		return nil, err
	}
	return &ClaimList{Claims: claims}, nil
}

func (s *Service) ListBalances(ctx context.Context, req *OwnerRequest) (*BalanceList, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	balances, err := s.reads.GetBalances(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &BalanceList{Balances: balances}, nil
}

func (s *Service) ListJournals(ctx context.Context, req *OwnerRequest) (*JournalList, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	entries, err := s.reads.GetJournalHistory(ctx, owner, pageSize(req.Limit, 100, 500), cursor(req.Before))
	if err != nil {
		return nil, err
	}
	return &JournalList{Journals: entries}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return s.reads.VerifyIntegrity(ctx)
}

func (s *Service) TakeSnapshot(ctx context.Context, _ *Empty) (*AdminResponse, error) {
	if s.operator == nil {
		return nil, errUnavailable
	}
	seq, err := s.operator.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &AdminResponse{Sequence: seq}, nil
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (*AdminResponse, error) {
	if s.operator == nil {
		return nil, errUnavailable
	}
	seq, err := s.operator.RebuildProjections(ctx)
	if err != nil {
		return nil, err
	}
	return &AdminResponse{Sequence: seq}, nil
}

var errUnavailable = errors.New("operation not available on this node")

func parseOwner(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("owner %q is not an address: %w", s, errBadRequest)
	}
	return common.HexToAddress(s), nil
}

func pageSize(n, def, upper int) int {
	if n <= 0 || n > upper {
		return def
	}
	return n
}

func cursor(before int64) *int64 {
	if before <= 0 {
		return nil
	}
	return &before
}

func assetOf(id ledger.AssetID) string {
	name, ok := ledger.GetAssetName(id)
	if !ok {
		return fmt.Sprintf("asset-%d", id)
	}
	return name
}

var _ ReadModel = (*query.QueryService)(nil)
