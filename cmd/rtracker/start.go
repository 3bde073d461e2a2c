package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/storacha/rtracker/internal/build"
	"github.com/storacha/rtracker/internal/chain"
	"github.com/storacha/rtracker/internal/config"
	"github.com/storacha/rtracker/internal/db/deals"
	"github.com/storacha/rtracker/internal/db/pg"
	"github.com/storacha/rtracker/internal/db/subnets"
	"github.com/storacha/rtracker/internal/errtracker"
	"github.com/storacha/rtracker/internal/groups"
	"github.com/storacha/rtracker/internal/materializer"
	"github.com/storacha/rtracker/internal/metrics"
	"github.com/storacha/rtracker/internal/scaler"
	"github.com/storacha/rtracker/internal/server"
	"github.com/storacha/rtracker/internal/service"
	"github.com/storacha/rtracker/internal/store"
	"github.com/storacha/rtracker/internal/tracker"
)

const shutdownTimeout = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start RTracker",
	Args:  cobra.NoArgs,
	RunE:  startService,
}

func init() {
	startCmd.Flags().Int(
		"port",
		8080,
		"Port to listen on",
	)
	cobra.CheckErr(viper.BindPFlag("port", startCmd.Flags().Lookup("port")))

	startCmd.Flags().String(
		"environment",
		"development",
		"Deployment environment reported to the error tracker",
	)
	cobra.CheckErr(viper.BindPFlag("environment", startCmd.Flags().Lookup("environment")))

	startCmd.Flags().String(
		"database-url",
		"",
		"PostgreSQL connection string, rounds are kept in memory when empty",
	)
	cobra.CheckErr(viper.BindPFlag("database_url", startCmd.Flags().Lookup("database-url")))
	cobra.CheckErr(viper.BindEnv("database_url", "DATABASE_URL"))

	cobra.CheckErr(viper.BindEnv("metrics_auth_token"))
	cobra.CheckErr(viper.BindEnv("admin_user"))
	cobra.CheckErr(viper.BindEnv("admin_password"))
	cobra.CheckErr(viper.BindEnv("sentry_dsn", "SENTRY_DSN"))

	startCmd.Flags().String(
		"rpc-url",
		"",
		"Websocket URL of the chain RPC endpoint",
	)
	cobra.CheckErr(viper.BindPFlag("rpc_url", startCmd.Flags().Lookup("rpc-url")))

	startCmd.Flags().String(
		"contract-address",
		"",
		"Address of the measurement contract emitting round start events",
	)
	cobra.CheckErr(viper.BindPFlag("contract_address", startCmd.Flags().Lookup("contract-address")))

	trackerDefaults := tracker.DefaultConfig()

	startCmd.Flags().Uint64(
		"lookback-blocks",
		trackerDefaults.LookbackBlocks,
		"Initial number of blocks searched for a round start event",
	)
	cobra.CheckErr(viper.BindPFlag("lookback_blocks", startCmd.Flags().Lookup("lookback-blocks")))

	startCmd.Flags().Int(
		"lookback-max-attempts",
		trackerDefaults.LookbackMaxAttempts,
		"Number of widening searches for a round start event",
	)
	cobra.CheckErr(viper.BindPFlag("lookback_max_attempts", startCmd.Flags().Lookup("lookback-max-attempts")))

	startCmd.Flags().Int(
		"reresolve-interval",
		int(trackerDefaults.ReresolveInterval/time.Second),
		"Interval in seconds between checks of the contract round index, 0 disables them",
	)
	cobra.CheckErr(viper.BindPFlag("reresolve_interval", startCmd.Flags().Lookup("reresolve-interval")))

	scaling := scaler.DefaultParams()

	startCmd.Flags().Uint64(
		"target-measurements-per-round",
		scaling.TargetMeasurementsPerRound,
		"Number of measurements the network should produce per round",
	)
	cobra.CheckErr(viper.BindPFlag("target_measurements_per_round", startCmd.Flags().Lookup("target-measurements-per-round")))

	startCmd.Flags().Uint64(
		"baseline-tasks-per-participant",
		scaling.BaselineQuota,
		"Tasks per participant used for the first round and after invalid history",
	)
	cobra.CheckErr(viper.BindPFlag("baseline_tasks_per_participant", startCmd.Flags().Lookup("baseline-tasks-per-participant")))

	startCmd.Flags().Uint64(
		"baseline-tasks-per-round",
		1000,
		"Tasks per round at the baseline participant quota",
	)
	cobra.CheckErr(viper.BindPFlag("baseline_tasks_per_round", startCmd.Flags().Lookup("baseline-tasks-per-round")))

	startCmd.Flags().Uint64(
		"max-tasks-per-participant",
		scaling.Ceiling,
		"Upper bound of the per participant task quota",
	)
	cobra.CheckErr(viper.BindPFlag("max_tasks_per_participant", startCmd.Flags().Lookup("max-tasks-per-participant")))

	startCmd.Flags().Int(
		"candidate-oversample",
		materializer.DefaultConfig().CandidateOversample,
		"Multiple of the task count fetched from the deal table before sampling",
	)
	cobra.CheckErr(viper.BindPFlag("candidate_oversample", startCmd.Flags().Lookup("candidate-oversample")))

	startCmd.Flags().String(
		"subnet-groups-backend",
		config.SubnetBackendPostgres,
		"Storage for subnet group assignments: postgres or dynamodb",
	)
	cobra.CheckErr(viper.BindPFlag("subnet_groups_backend", startCmd.Flags().Lookup("subnet-groups-backend")))

	startCmd.Flags().String(
		"subnet-groups-table-name",
		"",
		"Name of the DynamoDB table to use for subnet groups",
	)
	cobra.CheckErr(viper.BindPFlag("subnet_groups_table_name", startCmd.Flags().Lookup("subnet-groups-table-name")))
	// bind flag to storoku-style environment variable
	cobra.CheckErr(viper.BindEnv("subnet_groups_table_name", "SUBNET_GROUPS_TABLE_ID"))
}

func startService(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := errtracker.Init(cfg.SentryDSN, cfg.Environment, build.Version); err != nil {
		return fmt.Errorf("initializing error tracker: %w", err)
	}
	defer errtracker.Flush(2 * time.Second)

	// Create storage
	var (
		st          store.Store
		dealTable   deals.DealTable
		subnetTable subnets.SubnetTable
	)
	if cfg.DatabaseURL != "" {
		pool, err := pg.Connect(ctx, pg.DefaultPoolConfig(cfg.DatabaseURL))
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		if err := pg.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("applying database schema: %w", err)
		}

		st = store.NewPostgresStore(pool)
		dealTable = deals.NewPostgresDealTable(pool)
		subnetTable = subnets.NewPostgresSubnetTable(pool)
	} else {
		log.Warn("No database URL configured, rounds and deals are kept in memory")
		st = store.NewMemoryStore()
		dealTable = deals.NewMemoryDealTable()
		subnetTable = subnets.NewMemorySubnetTable()
	}

	if cfg.SubnetGroupsBackend == config.SubnetBackendDynamoDB {
		subnetTable = subnets.NewDynamoSubnetTable(dynamodb.NewFromConfig(cfg.AWSConfig), cfg.SubnetGroupsTableName)
	}

	// Connect to the chain
	source, client, err := chain.Dial(ctx, cfg.RPCURL, cfg.ContractAddress)
	if err != nil {
		return fmt.Errorf("connecting to chain: %w", err)
	}
	defer client.Close()

	// Create and start the round tracker
	mat := materializer.New(cfg.Materializer(), dealTable, metrics.NewGaugeRecorder())
	trk := tracker.New(st, source, mat, cfg.Tracker(), tracker.WithErrorReporter(errtracker.Capture))

	round, err := trk.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting round tracker: %w", err)
	}
	log.Infof("Tracking from round %d (contract %s index %d)", round.InternalRound, round.ContractAddress, round.ContractRoundIndex)

	// Create service
	svc := service.New(st, dealTable, groups.New(subnetTable))

	// Create server
	srv, err := server.New(
		svc,
		server.WithMetricsEndpoint(cfg.MetricsAuthToken),
		server.WithAdminCreds(cfg.AdminUser, cfg.AdminPassword),
	)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on port %d", cfg.Port)
		errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Port))
	}()

	var runErr error
	select {
	case err := <-errCh:
		log.Errorf("Server error: %v", err)
		runErr = err
	case <-trk.Done():
		runErr = fmt.Errorf("round tracker stopped unexpectedly")
		log.Error(runErr)
	case sig := <-sigCh:
		log.Infof("Received signal %v, shutting down gracefully", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutting down server: %v", err)
	}
	trk.Stop()
	trk.Wait()
	cancel()

	return runErr
}
