package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/storacha/rtracker/internal/materializer"
	"github.com/storacha/rtracker/internal/scaler"
	"github.com/storacha/rtracker/internal/tracker"
)

const (
	SubnetBackendPostgres = "postgres"
	SubnetBackendDynamoDB = "dynamodb"
)

type Config struct {
	Port             int    `mapstructure:"port" validate:"min=1,max=65535"`
	Environment      string `mapstructure:"environment"`
	DatabaseURL      string `mapstructure:"database_url"`
	MetricsAuthToken string `mapstructure:"metrics_auth_token"`
	AdminUser        string `mapstructure:"admin_user"`
	AdminPassword    string `mapstructure:"admin_password" validate:"required_with=AdminUser"`
	SentryDSN        string `mapstructure:"sentry_dsn"`

	RPCURL              string `mapstructure:"rpc_url" validate:"required,url"`
	ContractAddress     string `mapstructure:"contract_address" validate:"required,eth_addr"`
	LookbackBlocks      uint64 `mapstructure:"lookback_blocks" validate:"min=1"`
	LookbackMaxAttempts int    `mapstructure:"lookback_max_attempts" validate:"min=1"`
	// ReresolveInterval is in seconds, 0 disables periodic re-resolution.
	ReresolveInterval int `mapstructure:"reresolve_interval" validate:"min=0"`

	TargetMeasurementsPerRound  uint64 `mapstructure:"target_measurements_per_round" validate:"min=1"`
	BaselineTasksPerParticipant uint64 `mapstructure:"baseline_tasks_per_participant" validate:"min=1"`
	BaselineTasksPerRound       uint64 `mapstructure:"baseline_tasks_per_round" validate:"min=1"`
	MaxTasksPerParticipant      uint64 `mapstructure:"max_tasks_per_participant" validate:"gtefield=BaselineTasksPerParticipant"`
	CandidateOversample         int    `mapstructure:"candidate_oversample" validate:"min=1"`

	SubnetGroupsBackend   string     `mapstructure:"subnet_groups_backend" validate:"oneof=postgres dynamodb"`
	SubnetGroupsTableName string     `mapstructure:"subnet_groups_table_name" validate:"required_if=SubnetGroupsBackend dynamodb"`
	AWSConfig             aws.Config `mapstructure:"-"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.SubnetGroupsBackend == SubnetBackendDynamoDB {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		cfg.AWSConfig = awsCfg
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Materializer returns the round materialization settings.
func (c *Config) Materializer() materializer.Config {
	return materializer.Config{
		Scaling: scaler.Params{
			TargetMeasurementsPerRound: c.TargetMeasurementsPerRound,
			BaselineQuota:              c.BaselineTasksPerParticipant,
			Floor:                      1,
			Ceiling:                    c.MaxTasksPerParticipant,
		},
		TasksToParticipantsRatio: scaler.TasksToParticipantsRatio(c.BaselineTasksPerRound, c.BaselineTasksPerParticipant),
		CandidateOversample:      c.CandidateOversample,
	}
}

// Tracker returns the round tracking settings.
func (c *Config) Tracker() tracker.Config {
	cfg := tracker.DefaultConfig()
	cfg.LookbackBlocks = c.LookbackBlocks
	cfg.LookbackMaxAttempts = c.LookbackMaxAttempts
	cfg.ReresolveInterval = time.Duration(c.ReresolveInterval) * time.Second
	return cfg
}
