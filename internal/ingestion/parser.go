package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
)

var ErrMalformedCommand = errors.New("malformed command")

// AssetResolver names the payment asset behind a pool, position or cover.
// Assets never change once set, so resolving ahead of submission is safe.
type AssetResolver interface {
	PoolAsset(ctx context.Context, poolID uint64) (string, error)
	PositionAsset(ctx context.Context, positionID uint64) (string, error)
	CoverAsset(ctx context.Context, coverID uint64) (string, error)
}

// Parser turns wire commands into typed events. On the wire amounts are
// decimal strings in the asset's units; in the core they are base units.
type Parser struct {
	assets AssetResolver
}

func NewParser(assets AssetResolver) *Parser {
	return &Parser{assets: assets}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type headerJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Source         string `json:"source"`
	SourceSequence int64  `json:"source_sequence"`
	Caller         string `json:"caller"`
	Timestamp      int64  `json:"timestamp"`
}

func (h headerJSON) toHeader() (event.Header, error) {
	if h.IdempotencyKey == "" {
		return event.Header{}, fmt.Errorf("idempotency_key is required: %w", ErrMalformedCommand)
	}
	if h.Timestamp <= 0 {
		return event.Header{}, fmt.Errorf("timestamp is required: %w", ErrMalformedCommand)
	}
	if h.SourceSequence < 0 {
		return event.Header{}, fmt.Errorf("negative source_sequence: %w", ErrMalformedCommand)
	}
	if !common.IsHexAddress(h.Caller) {
		return event.Header{}, fmt.Errorf("caller %q is not an address: %w", h.Caller, ErrMalformedCommand)
	}
	return event.Header{
		Key:    h.IdempotencyKey,
		Source: h.Source,
		Seq:    h.SourceSequence,
		Caller: common.HexToAddress(h.Caller),
		Time:   h.Timestamp,
	}, nil
}

type openPositionJSON struct {
	headerJSON
	Capital  string   `json:"capital"`
	Discount string   `json:"discount"`
	PoolIDs  []uint64 `json:"pool_ids"`
}

type addLiquidityJSON struct {
	headerJSON
	PositionID uint64 `json:"position_id"`
	Amount     string `json:"amount"`
	Discount   string `json:"discount"`
}

type removeLiquidityJSON struct {
	headerJSON
	PositionID       uint64 `json:"position_id"`
	Amount           string `json:"amount"`
	DiscountToUnlock string `json:"discount_to_unlock"`
}

type openCoverJSON struct {
	headerJSON
	PoolID      uint64 `json:"pool_id"`
	CoverAmount string `json:"cover_amount"`
	Premiums    string `json:"premiums"`
}

type updateCoverJSON struct {
	headerJSON
	CoverID          uint64 `json:"cover_id"`
	CoverToAdd       string `json:"cover_to_add"`
	CoverToRemove    string `json:"cover_to_remove"`
	PremiumsToAdd    string `json:"premiums_to_add"`
	PremiumsToRemove string `json:"premiums_to_remove"`
	CloseCover       bool   `json:"close_cover"`
}

type payoutClaimJSON struct {
	headerJSON
	CoverID uint64 `json:"cover_id"`
	Amount  string `json:"amount"`
}

type feeTierJSON struct {
	DiscountAmount string `json:"discount_amount"`
	FeeRate        string `json:"fee_rate"`
}

type setFeeTiersJSON struct {
	headerJSON
	Tiers []feeTierJSON `json:"tiers"`
}

// genericJSON covers commands with no amounts: the payload is the event
// itself apart from the caller, which must be a hex address.
type genericJSON struct {
	headerJSON
}

// Parse converts one wire command of the named type.
func (p *Parser) Parse(ctx context.Context, eventType string, data []byte) (event.Event, error) {
	et, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type %q: %w", eventType, ErrMalformedCommand)
	}

	switch et {
	case event.EventTypeOpenPosition:
		return p.parseOpenPosition(ctx, data)
	case event.EventTypeAddLiquidity:
		return p.parseAddLiquidity(ctx, data)
	case event.EventTypeRemoveLiquidity:
		return p.parseRemoveLiquidity(ctx, data)
	case event.EventTypeOpenCover:
		return p.parseOpenCover(ctx, data)
	case event.EventTypeUpdateCover:
		return p.parseUpdateCover(ctx, data)
	case event.EventTypePayoutClaim:
		return p.parsePayoutClaim(ctx, data)
	case event.EventTypeSetFeeTiers:
		return parseSetFeeTiers(data)
	default:
		return parseGeneric(et, data)
	}
}

func (p *Parser) parseOpenPosition(ctx context.Context, data []byte) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	if len(j.PoolIDs) == 0 {
		return nil, fmt.Errorf("pool_ids is required: %w", ErrMalformedCommand)
	}
	asset, err := p.assets.PoolAsset(ctx, j.PoolIDs[0])
	if err != nil {
		return nil, err
	}
	capital, err := amount(asset, "capital", j.Capital)
	if err != nil {
		return nil, err
	}
	discount, err := optionalAmount(ledger.DiscountAsset, "discount", j.Discount)
	if err != nil {
		return nil, err
	}
	return &event.OpenPosition{Header: h, Capital: capital, Discount: discount, PoolIDs: j.PoolIDs}, nil
}

func (p *Parser) parseAddLiquidity(ctx context.Context, data []byte) (*event.AddLiquidity, error) {
	var j addLiquidityJSON
	if err := unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AddLiquidity: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	asset, err := p.assets.PositionAsset(ctx, j.PositionID)
	if err != nil {
		return nil, err
	}
	amt, err := amount(asset, "amount", j.Amount)
	if err != nil {
		return nil, err
	}
	discount, err := optionalAmount(ledger.DiscountAsset, "discount", j.Discount)
	if err != nil {
		return nil, err
	}
	return &event.AddLiquidity{Header: h, PositionID: j.PositionID, Amount: amt, Discount: discount}, nil
}

func (p *Parser) parseRemoveLiquidity(ctx context.Context, data []byte) (*event.RemoveLiquidity, error) {
	var j removeLiquidityJSON
	if err := unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RemoveLiquidity: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	asset, err := p.assets.PositionAsset(ctx, j.PositionID)
	if err != nil {
		return nil, err
	}
	amt, err := optionalAmount(asset, "amount", j.Amount)
	if err != nil {
		return nil, err
	}
	unlock, err := optionalAmount(ledger.DiscountAsset, "discount_to_unlock", j.DiscountToUnlock)
	if err != nil {
		return nil, err
	}
	return &event.RemoveLiquidity{Header: h, PositionID: j.PositionID, Amount: amt, DiscountToUnlock: unlock}, nil
}

func (p *Parser) parseOpenCover(ctx context.Context, data []byte) (*event.OpenCover, error) {
	var j openCoverJSON
	if err := unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenCover: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	asset, err := p.assets.PoolAsset(ctx, j.PoolID)
	if err != nil {
		return nil, err
	}
	coverAmount, err := amount(asset, "cover_amount", j.CoverAmount)
	if err != nil {
		return nil, err
	}
	premiums, err := amount(asset, "premiums", j.Premiums)
	if err != nil {
		return nil, err
	}
	return &event.OpenCover{Header: h, Pool: j.PoolID, CoverAmount: coverAmount, Premiums: premiums}, nil
}

func (p *Parser) parseUpdateCover(ctx context.Context, data []byte) (*event.UpdateCover, error) {
	var j updateCoverJSON
	if err := unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateCover: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	asset, err := p.assets.CoverAsset(ctx, j.CoverID)
	if err != nil {
		return nil, err
	}

	evt := &event.UpdateCover{Header: h, CoverID: j.CoverID, CloseCover: j.CloseCover}
	for _, f := range []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"cover_to_add", j.CoverToAdd, &evt.CoverToAdd},
		{"cover_to_remove", j.CoverToRemove, &evt.CoverToRemove},
		{"premiums_to_add", j.PremiumsToAdd, &evt.PremiumsToAdd},
		{"premiums_to_remove", j.PremiumsToRemove, &evt.PremiumsToRemove},
	} {
		if *f.dst, err = optionalAmount(asset, f.name, f.raw); err != nil {
			return nil, err
		}
	}
	return evt, nil
}

func (p *Parser) parsePayoutClaim(ctx context.Context, data []byte) (*event.PayoutClaim, error) {
	var j payoutClaimJSON
	if err := unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PayoutClaim: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	asset, err := p.assets.CoverAsset(ctx, j.CoverID)
	if err != nil {
		return nil, err
	}
	amt, err := amount(asset, "amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.PayoutClaim{Header: h, CoverID: j.CoverID, Amount: amt}, nil
}

func parseSetFeeTiers(data []byte) (*event.SetFeeTiers, error) {
	var j setFeeTiersJSON
	if err := unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetFeeTiers: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	evt := &event.SetFeeTiers{Header: h}
	for i, t := range j.Tiers {
		discount, err := optionalAmount(ledger.DiscountAsset, fmt.Sprintf("tiers[%d].discount_amount", i), t.DiscountAmount)
		if err != nil {
			return nil, err
		}
		if _, err := event.ParsePercent(t.FeeRate); err != nil {
			return nil, fmt.Errorf("tiers[%d].fee_rate: %v: %w", i, err, ErrMalformedCommand)
		}
		evt.Tiers = append(evt.Tiers, event.FeeTierParams{DiscountAmount: discount, FeeRate: t.FeeRate})
	}
	return evt, nil
}

func parseGeneric(et event.EventType, data []byte) (event.Event, error) {
	// the header is validated on its own so a bad caller reports clearly
	var j genericJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", et, err, ErrMalformedCommand)
	}
	if _, err := j.toHeader(); err != nil {
		return nil, err
	}
	evt, err := event.Decode(et, data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformedCommand)
	}
	if cp, ok := evt.(*event.CreatePool); ok {
		if err := cp.Validate(); err != nil {
			return nil, fmt.Errorf("CreatePool: %v: %w", err, ErrMalformedCommand)
		}
	}
	return evt, nil
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%v: %w", err, ErrMalformedCommand)
	}
	return nil
}

func amount(asset, field, raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("%s is required: %w", field, ErrMalformedCommand)
	}
	return optionalAmount(asset, field, raw)
}

func optionalAmount(asset, field, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	units, err := query.ParseAmount(asset, raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", field, err, ErrMalformedCommand)
	}
	return units, nil
}
