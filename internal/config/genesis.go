package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/query"
	"CoverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// GenesisSource is the ordering partition of genesis commands.
const GenesisSource = "genesis"

// Genesis describes the strategies, pools and protocol parameters a fresh
// ledger starts with. Pools are referenced by name; ids follow file order.
type Genesis struct {
	Timestamp    int64             `yaml:"timestamp"`
	Config       *GenesisConfig    `yaml:"config"`
	Strategies   []GenesisStrategy `yaml:"strategies"`
	Pools        []GenesisPool     `yaml:"pools"`
	FeeTiers     []GenesisFeeTier  `yaml:"fee_tiers"`
	Incompatible [][2]string       `yaml:"incompatible"`
}

type GenesisConfig struct {
	WithdrawDelay time.Duration `yaml:"withdraw_delay"`
	MaxLeverage   int           `yaml:"max_leverage"`
}

type GenesisStrategy struct {
	ID    uint32 `yaml:"id"`
	Asset string `yaml:"asset"`
	APR   string `yaml:"apr"`
}

type GenesisPool struct {
	Name       string              `yaml:"name"`
	Asset      string              `yaml:"asset"`
	StrategyID uint32              `yaml:"strategy_id"`
	FeeRate    string              `yaml:"fee_rate"`
	Formula    event.FormulaParams `yaml:"formula"`
}

// GenesisFeeTier is one fee tier; Discount is a decimal amount of the
// discount token.
type GenesisFeeTier struct {
	Discount string `yaml:"discount"`
	FeeRate  string `yaml:"fee_rate"`
}

// LoadGenesis reads, normalizes and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open genesis: %w", err)
	}
	defer file.Close()

	var g Genesis
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	g.normalize()
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("genesis %s: %w", path, err)
	}
	return &g, nil
}

func (g *Genesis) normalize() {
	for i := range g.Strategies {
		s := &g.Strategies[i]
		s.Asset = strings.ToUpper(strings.TrimSpace(s.Asset))
		if strings.TrimSpace(s.APR) == "" {
			s.APR = "0"
		}
	}
	for i := range g.Pools {
		p := &g.Pools[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Asset = strings.ToUpper(strings.TrimSpace(p.Asset))
	}
	for i := range g.FeeTiers {
		if strings.TrimSpace(g.FeeTiers[i].Discount) == "" {
			g.FeeTiers[i].Discount = "0"
		}
	}
	for i := range g.Incompatible {
		g.Incompatible[i][0] = strings.TrimSpace(g.Incompatible[i][0])
		g.Incompatible[i][1] = strings.TrimSpace(g.Incompatible[i][1])
	}
}

func (g *Genesis) validate() error {
	if g.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	strategies := make(map[uint32]string, len(g.Strategies))
	for _, s := range g.Strategies {
		if _, ok := ledger.GetAssetID(s.Asset); !ok {
			return fmt.Errorf("strategy %d: unknown asset %q", s.ID, s.Asset)
		}
		if _, dup := strategies[s.ID]; dup {
			return fmt.Errorf("duplicate strategy %d", s.ID)
		}
		if _, err := event.ParsePercent(s.APR); err != nil {
			return fmt.Errorf("strategy %d apr: %w", s.ID, err)
		}
		strategies[s.ID] = s.Asset
	}

	names := make(map[string]struct{}, len(g.Pools))
	for i, p := range g.Pools {
		if p.Name == "" {
			return fmt.Errorf("pool %d: name is required", i)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("duplicate pool %q", p.Name)
		}
		names[p.Name] = struct{}{}
		if _, ok := ledger.GetAssetID(p.Asset); !ok {
			return fmt.Errorf("pool %s: unknown asset %q", p.Name, p.Asset)
		}
		asset, ok := strategies[p.StrategyID]
		if !ok {
			return fmt.Errorf("pool %s: strategy %d is not declared", p.Name, p.StrategyID)
		}
		if asset != p.Asset {
			return fmt.Errorf("pool %s: asset %s does not match strategy asset %s", p.Name, p.Asset, asset)
		}
		create := event.CreatePool{Formula: p.Formula, FeeRate: p.FeeRate}
		if err := create.Validate(); err != nil {
			return fmt.Errorf("pool %s: %w", p.Name, err)
		}
	}

	if len(g.FeeTiers) > 0 {
		if _, err := g.feeTierParams(); err != nil {
			return err
		}
	}

	for _, pair := range g.Incompatible {
		for _, name := range pair {
			if _, ok := names[name]; !ok {
				return fmt.Errorf("incompatible pair references unknown pool %q", name)
			}
		}
		if pair[0] == pair[1] {
			return fmt.Errorf("pool %q cannot be incompatible with itself", pair[0])
		}
	}

	if c := g.Config; c != nil {
		if c.WithdrawDelay < 0 || c.WithdrawDelay%time.Second != 0 {
			return fmt.Errorf("config.withdraw_delay must be a non-negative whole number of seconds")
		}
		if c.MaxLeverage <= 0 {
			return fmt.Errorf("config.max_leverage must be positive")
		}
	}
	return nil
}

func (g *Genesis) feeTierParams() ([]event.FeeTierParams, error) {
	tiers := make(state.FeeTiers, 0, len(g.FeeTiers))
	params := make([]event.FeeTierParams, 0, len(g.FeeTiers))
	for i, t := range g.FeeTiers {
		amount, err := query.ParseAmount(ledger.DiscountAsset, t.Discount)
		if err != nil {
			return nil, fmt.Errorf("fee tier %d discount: %w", i, err)
		}
		rate, err := event.ParsePercent(t.FeeRate)
		if err != nil {
			return nil, fmt.Errorf("fee tier %d: %w", i, err)
		}
		var tier state.FeeTier
		tier.DiscountAmount = amount
		tier.FeeRate.Set(rate)
		tiers = append(tiers, tier)
		params = append(params, event.FeeTierParams{DiscountAmount: amount, FeeRate: t.FeeRate})
	}
	if err := tiers.Validate(); err != nil {
		return nil, fmt.Errorf("fee tiers: %w", err)
	}
	return params, nil
}

// PoolID returns the id the named pool receives when genesis is applied to
// an empty ledger.
func (g *Genesis) PoolID(name string) (uint64, bool) {
	for i, p := range g.Pools {
		if p.Name == name {
			return uint64(i), true
		}
	}
	return 0, false
}

// Commands expands the genesis into owner commands on the genesis
// partition. Keys are stable so re-applying on restart is a no-op.
func (g *Genesis) Commands(owner common.Address) ([]event.Event, error) {
	var (
		cmds []event.Event
		seq  int64
	)
	header := func(key string) event.Header {
		seq++
		return event.Header{
			Key:    "genesis:" + key,
			Source: GenesisSource,
			Seq:    seq,
			Caller: owner,
			Time:   g.Timestamp,
		}
	}

	for _, s := range g.Strategies {
		cmds = append(cmds, &event.RegisterStrategy{
			Header:     header(fmt.Sprintf("strategy:%d", s.ID)),
			StrategyID: s.ID,
			Asset:      s.Asset,
			APR:        s.APR,
		})
	}
	for _, p := range g.Pools {
		cmds = append(cmds, &event.CreatePool{
			Header:     header("pool:" + p.Name),
			Formula:    p.Formula,
			FeeRate:    p.FeeRate,
			Asset:      p.Asset,
			StrategyID: p.StrategyID,
		})
	}
	for _, pair := range g.Incompatible {
		a, _ := g.PoolID(pair[0])
		b, _ := g.PoolID(pair[1])
		cmds = append(cmds, &event.SetIncompatiblePools{
			Header:       header("incompatible:" + pair[0] + ":" + pair[1]),
			PoolA:        a,
			PoolB:        b,
			Incompatible: true,
		})
	}
	if len(g.FeeTiers) > 0 {
		params, err := g.feeTierParams()
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, &event.SetFeeTiers{Header: header("fee-tiers"), Tiers: params})
	}
	if c := g.Config; c != nil {
		cmds = append(cmds, &event.UpdateConfig{
			Header:        header("config"),
			WithdrawDelay: int64(c.WithdrawDelay / time.Second),
			MaxLeverage:   c.MaxLeverage,
		})
	}
	return cmds, nil
}
