package config

import (
	"flag"
	"os"
	"path"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func cliCtx(t *testing.T, cfgPath string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String(FlagCfg, "", "")
	ctx := cli.NewContext(cli.NewApp(), set, nil)
	if cfgPath != "" {
		require.NoError(t, set.Set(FlagCfg, cfgPath))
	}
	return ctx
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, uint64(604800), cfg.Registry.RescueDelay)
	require.Equal(t, common.Address{}, cfg.Registry.Admin)
}

func TestLoadFromFile(t *testing.T) {
	cfgPath := path.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[Log]
Level = "warn"

[Registry]
DBPath = "/data/registry.sqlite"
RescueDelay = 100
Admin = "0x1111111111111111111111111111111111111111"
EscrowAccount = "escrow-account"
`), 0o600))

	cfg, err := Load(cliCtx(t, cfgPath))
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, "/data/registry.sqlite", cfg.Registry.DBPath)
	require.Equal(t, uint64(100), cfg.Registry.RescueDelay)
	require.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), cfg.Registry.Admin)
	require.Equal(t, "escrow-account", string(cfg.Registry.EscrowAccount))

	// values absent from the file keep their defaults
	require.Equal(t, []string{"stderr"}, cfg.Log.Outputs)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(cliCtx(t, "/does/not/exist.toml"))
	require.Error(t, err)
}
