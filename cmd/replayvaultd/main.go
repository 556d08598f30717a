package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"replayvault/internal/config"
	"replayvault/internal/consumer"
	"replayvault/internal/highwater"
	"replayvault/internal/logging"
	"replayvault/internal/objectstore"
	"replayvault/internal/partitionlock"
	"replayvault/internal/realtimecache"
	"replayvault/internal/refresher"
	"replayvault/internal/replayevents"
)

func main() {
	cfgPath := flag.String("config", "replayvaultd.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger := logging.L()
	logger.Info().Str("node_id", cfg.Node.ID).Strs("topics", cfg.Kafka.Topics).Msg("replayvaultd starting")

	if err := resetLocalDirectory(cfg.Session.LocalDirectory); err != nil {
		log.Fatalf("reset local temp directory: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStore.Endpoint != "" {
			o.BaseEndpoint = &cfg.ObjectStore.Endpoint
			o.UsePathStyle = true
		}
		if cfg.ObjectStore.Region != "" {
			o.Region = cfg.ObjectStore.Region
		}
	})

	marker := highwater.New(rdb, cfg.Redis.Prefix)
	realtime := realtimecache.New(rdb, cfg.Redis.Prefix, cfg.Session.RealtimeTailLen, cfg.Session.FlushAgeLimit*3)
	store := objectstore.New(s3Client, cfg.ObjectStore.Bucket)

	var locker *partitionlock.Locker
	if cfg.PartitionLock.Enabled {
		locker = partitionlock.New(rdb, cfg.Redis.Prefix, int(cfg.PartitionLock.TTL.Seconds()))
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.DefaultProduceTopic(cfg.Kafka.ReplayEventsTopic),
		kgo.ClientID(cfg.Node.ID+"-replay-events"),
	)
	if err != nil {
		log.Fatalf("new replay events producer: %v", err)
	}
	defer producer.Close()
	replay := replayevents.New(producer, cfg.Kafka.ReplayEventsTopic, marker)

	tokenTable := refresher.New(30*time.Second, tokenTableLoader(rdb, cfg.Redis.Prefix), func(err error) {
		logger.Warn().Err(err).Msg("refresh token table failed; keeping stale mapping")
	})
	team := consumer.NewTeamResolver(tokenTable)

	cons := consumer.New(consumer.Config{
		Brokers:                         cfg.Kafka.Brokers,
		Topics:                          cfg.Kafka.Topics,
		GroupID:                         cfg.Kafka.GroupID,
		ClientID:                        cfg.Kafka.ClientID,
		ConsumptionMaxBytes:             cfg.Kafka.ConsumptionMaxBytes,
		ConsumptionMaxBytesPerPartition: cfg.Kafka.ConsumptionMaxBytesPerPartition,
		ConsumptionMaxWait:              cfg.Kafka.ConsumptionMaxWait,
		QueueSize:                       cfg.Kafka.QueueSize,
		BatchSize:                       cfg.Kafka.BatchSize,
		BatchingTimeout:                 cfg.Kafka.BatchingTimeout,
		LocalDirectory:                  cfg.Session.LocalDirectory,
		FlushAgeLimit:                   cfg.Session.FlushAgeLimit,
		FlushSizeLimit:                  cfg.Session.FlushSizeLimit,
		RealtimeTailLen:                 cfg.Session.RealtimeTailLen,
		PartitionLockEnabled:            cfg.PartitionLock.Enabled,
	}, marker, locker, store, realtime, replay, team)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- cons.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received; draining in-flight sessions")
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cons.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("graceful stop did not complete in time")
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Fatal().Err(err).Msg("consumer exited with error")
		}
	}

	fmt.Println("replayvaultd stopped")
}

// resetLocalDirectory purges and recreates the local session-buffer
// directory at startup (spec.md §5): it is exclusive to one worker
// process, so any temp files left behind by a prior generation of this
// process (crash, kill -9) are never reused or double-uploaded.
func resetLocalDirectory(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove local directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create local directory: %w", err)
	}
	return nil
}

// tokenTableLoader reads the token -> team_id mapping from a Redis hash
// maintained by the ingestion API (spec.md §4.C). It is the loader wired
// into the TeamResolver's BackgroundRefresher.
func tokenTableLoader(rdb *redis.Client, prefix string) func(ctx context.Context) (map[string]int64, error) {
	key := prefix + ":token_team_map"
	return func(ctx context.Context) (map[string]int64, error) {
		raw, err := rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("load token table: %w", err)
		}
		table := make(map[string]int64, len(raw))
		for token, teamIDStr := range raw {
			var teamID int64
			if _, err := fmt.Sscanf(teamIDStr, "%d", &teamID); err != nil {
				continue
			}
			table[token] = teamID
		}
		return table, nil
	}
}
