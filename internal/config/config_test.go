package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"CoverLedger/internal/config"
	"CoverLedger/internal/event"
	"CoverLedger/internal/testutil"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const (
	ownerHex   = "0x00000000000000000000000000000000000000a1"
	claimsHex  = "0x00000000000000000000000000000000000000a2"
	managerHex = "0x00000000000000000000000000000000000000a3"
)

func setRoles(t *testing.T) {
	t.Setenv("COVER_CORE_OWNER", ownerHex)
	t.Setenv("COVER_CORE_CLAIM_MANAGER", claimsHex)
	t.Setenv("COVER_CORE_LIQUIDITY_MANAGER", managerHex)
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	setRoles(t)
	t.Setenv("COVER_NATS_ENABLED", "false")
	t.Setenv("COVER_SERVER_RATE_LIMIT", "5")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	require.False(t, cfg.NATS.Enabled)
	require.Equal(t, 5.0, cfg.Server.RateLimit)
	require.Equal(t, ":9090", cfg.Server.GRPCAddr)
	require.Equal(t, 5*time.Minute, cfg.Core.SnapshotInterval)
	require.Equal(t, "info", cfg.Log.Level)

	sc := cfg.StateConfig()
	require.Equal(t, testutil.Owner, sc.Owner)
	require.Equal(t, testutil.ClaimManager, sc.ClaimManager)
	require.Equal(t, testutil.LiquidityManager, sc.LiquidityManager)
	require.Equal(t, 12, sc.MaxLeverage)
}

func TestLoad_FileThenFlags(t *testing.T) {
	path := writeFile(t, "coverd.yaml", `
database:
  dsn: postgres://file
core:
  owner: `+ownerHex+`
  claim_manager: `+claimsHex+`
  liquidity_manager: `+managerHex+`
  snapshot_interval: 30s
log:
  level: debug
`)
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("database.dsn", "", "")
	require.NoError(t, flags.Parse([]string{"--database.dsn=postgres://flag"}))

	cfg, err := config.Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, "postgres://flag", cfg.Database.DSN)
	require.Equal(t, 30*time.Second, cfg.Core.SnapshotInterval)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	setRoles(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	setRoles(t)
	base, err := config.Load("", nil)
	require.NoError(t, err)

	cases := map[string]func(*config.Config){
		"bad owner":        func(c *config.Config) { c.Core.Owner = "alice" },
		"empty dsn":        func(c *config.Config) { c.Database.DSN = "" },
		"nats without url": func(c *config.Config) { c.NATS.Enabled, c.NATS.URL = true, "" },
		"telegram no chat": func(c *config.Config) { c.Telegram.Enabled, c.Telegram.BotToken = true, "tok" },
		"negative rate":    func(c *config.Config) { c.Server.RateLimit = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

const genesisYAML = `
timestamp: 1700000000
config:
  withdraw_delay: 72h
  max_leverage: 4
strategies:
  - id: 0
    asset: usdt
    apr: "4.5"
  - id: 1
    asset: WBTC
pools:
  - name: stables
    asset: USDT
    strategy_id: 0
    fee_rate: "30"
    formula: {u_optimal: "75", r0: "1", r_slope1: "5", r_slope2: "11"}
  - name: bridges
    asset: USDT
    strategy_id: 0
    fee_rate: "25"
    formula: {u_optimal: "80", r0: "0.5", r_slope1: "4", r_slope2: "60"}
  - name: btc
    asset: WBTC
    strategy_id: 1
    fee_rate: "20"
    formula: {u_optimal: "70", r0: "1", r_slope1: "3", r_slope2: "30"}
fee_tiers:
  - {discount: "0", fee_rate: "20"}
  - {discount: "0.001", fee_rate: "15"}
  - {discount: "1", fee_rate: "5"}
incompatible:
  - [stables, bridges]
`

func TestGenesis_AppliesToFreshCore(t *testing.T) {
	g, err := config.LoadGenesis(writeFile(t, "genesis.yaml", genesisYAML))
	require.NoError(t, err)
	require.Equal(t, "USDT", g.Strategies[0].Asset)
	require.Equal(t, "0", g.Strategies[1].APR)

	id, ok := g.PoolID("btc")
	require.True(t, ok)
	require.Equal(t, uint64(2), id)

	cmds, err := g.Commands(testutil.Owner)
	require.NoError(t, err)
	require.Len(t, cmds, 2+3+1+1+1)

	c, _, _ := testutil.NewCore(t)
	for i, cmd := range cmds {
		require.Equal(t, config.GenesisSource, cmd.SourceStream())
		require.Equal(t, int64(i+1), cmd.SourceSequence())
		_, err := c.ProcessEvent(cmd)
		require.NoError(t, err, "%s %s", cmd.EventType(), cmd.IdempotencyKey())
	}

	tiers := cmds[len(cmds)-2].(*event.SetFeeTiers)
	require.Equal(t, int64(1_000), tiers.Tiers[1].DiscountAmount)
	update := cmds[len(cmds)-1].(*event.UpdateConfig)
	require.Equal(t, int64(3*86_400), update.WithdrawDelay)

	// a restart resubmits the same commands
	hash := c.GetStateHash()
	for _, cmd := range cmds {
		receipt, err := c.ProcessEvent(cmd)
		require.NoError(t, err)
		require.True(t, receipt.Duplicate)
	}
	require.Equal(t, hash, c.GetStateHash())
}

func TestGenesis_Rejects(t *testing.T) {
	cases := map[string]string{
		"no timestamp": `pools: []`,
		"unknown field": `
timestamp: 1
surprise: true`,
		"unknown asset": `
timestamp: 1
strategies: [{id: 0, asset: DOGE}]`,
		"undeclared strategy": `
timestamp: 1
pools: [{name: a, asset: USDT, strategy_id: 3, fee_rate: "1", formula: {u_optimal: "1", r0: "1", r_slope1: "1", r_slope2: "1"}}]`,
		"asset mismatch": `
timestamp: 1
strategies: [{id: 0, asset: WBTC}]
pools: [{name: a, asset: USDT, strategy_id: 0, fee_rate: "1", formula: {u_optimal: "1", r0: "1", r_slope1: "1", r_slope2: "1"}}]`,
		"bad formula": `
timestamp: 1
strategies: [{id: 0, asset: USDT}]
pools: [{name: a, asset: USDT, strategy_id: 0, fee_rate: "1", formula: {u_optimal: "x", r0: "1", r_slope1: "1", r_slope2: "1"}}]`,
		"tiers not ascending": `
timestamp: 1
fee_tiers: [{discount: "2", fee_rate: "10"}, {discount: "1", fee_rate: "5"}]`,
		"unknown incompatible pool": `
timestamp: 1
incompatible: [[a, b]]`,
		"fractional delay": `
timestamp: 1
config: {withdraw_delay: 1500ms, max_leverage: 2}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadGenesis(writeFile(t, "genesis.yaml", body))
			require.Error(t, err)
		})
	}
}
