package config

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Port:                        8080,
		RPCURL:                      "wss://api.node.glif.io/rpc/v1",
		ContractAddress:             "0x8460766edc62b525fc1fa4d628fc79229dc73031",
		LookbackBlocks:              500,
		LookbackMaxAttempts:         5,
		ReresolveInterval:           300,
		TargetMeasurementsPerRound:  500_000,
		BaselineTasksPerParticipant: 15,
		BaselineTasksPerRound:       1_000,
		MaxTasksPerParticipant:      1_000,
		CandidateOversample:         4,
		SubnetGroupsBackend:         SubnetBackendPostgres,
	}
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.validate())

	invalid := map[string]func(c *Config){
		"missing rpc url":             func(c *Config) { c.RPCURL = "" },
		"malformed contract address":  func(c *Config) { c.ContractAddress = "0x1234" },
		"zero lookback":               func(c *Config) { c.LookbackBlocks = 0 },
		"zero target":                 func(c *Config) { c.TargetMeasurementsPerRound = 0 },
		"ceiling below baseline":      func(c *Config) { c.MaxTasksPerParticipant = 10 },
		"unknown subnet backend":      func(c *Config) { c.SubnetGroupsBackend = "redis" },
		"dynamodb without table name": func(c *Config) { c.SubnetGroupsBackend = SubnetBackendDynamoDB },
		"admin user without password": func(c *Config) { c.AdminUser = "admin" },
	}
	for name, mutate := range invalid {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			require.Error(t, cfg.validate())
		})
	}
}

func TestLoad(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("port", 9090)
	viper.Set("rpc_url", "wss://api.node.glif.io/rpc/v1")
	viper.Set("contract_address", "0x8460766edc62b525fc1fa4d628fc79229dc73031")
	viper.Set("lookback_blocks", 100)
	viper.Set("lookback_max_attempts", 3)
	viper.Set("reresolve_interval", 60)
	viper.Set("target_measurements_per_round", 1_000)
	viper.Set("baseline_tasks_per_participant", 15)
	viper.Set("baseline_tasks_per_round", 1_000)
	viper.Set("max_tasks_per_participant", 60)
	viper.Set("candidate_oversample", 2)
	viper.Set("subnet_groups_backend", SubnetBackendPostgres)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)

	tc := cfg.Tracker()
	assert.Equal(t, uint64(100), tc.LookbackBlocks)
	assert.Equal(t, 3, tc.LookbackMaxAttempts)
	assert.Equal(t, time.Minute, tc.ReresolveInterval)

	mc := cfg.Materializer()
	assert.Equal(t, uint64(1_000), mc.Scaling.TargetMeasurementsPerRound)
	assert.Equal(t, uint64(15), mc.Scaling.BaselineQuota)
	assert.Equal(t, uint64(60), mc.Scaling.Ceiling)
	assert.Equal(t, 2, mc.CandidateOversample)
}
