// Command ingestd is the engine's single long-running process entrypoint:
// load configuration, wire every topic's pipeline, run until a termination
// signal triggers a graceful stop. Built with spf13/cobra, matching the
// CLI shape the rest of the retrieval pack's long-running services use.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/practo/tablestream/internal/batch"
	"github.com/practo/tablestream/internal/broker"
	"github.com/practo/tablestream/internal/circuit"
	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/config"
	"github.com/practo/tablestream/internal/dlr"
	"github.com/practo/tablestream/internal/engine"
	"github.com/practo/tablestream/internal/health"
	"github.com/practo/tablestream/internal/logging"
	"github.com/practo/tablestream/internal/metrics"
	"github.com/practo/tablestream/internal/model"
	"github.com/practo/tablestream/internal/objstore"
	"github.com/practo/tablestream/internal/optimizer"
	"github.com/practo/tablestream/internal/parser"
	"github.com/practo/tablestream/internal/table"
	"github.com/practo/tablestream/internal/transform"
)

const engineVersion = "tablestream/0.1.0"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "ingestd",
		Short: "Streaming log-to-table ingestion engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New()
	if err != nil {
		return fmt.Errorf("ingestd: build logger: %w", err)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New("tablestream")

	// writerTables is keyed by topic logical name (what batch.Flusher.Flush
	// receives); optimizerTables is keyed by table prefix, deduplicated,
	// since more than one topic may write into the same table.
	writerTables := map[string]table.Config{}
	optimizerTables := map[string]table.Config{}
	optConfigs := map[string]optimizer.Config{}
	pipelinesBySourceTopic := map[string]*engine.TopicPipeline{}
	topicNames := make([]string, 0, len(cfg.Topics))
	sourceTopics := make([]string, 0, len(cfg.Topics))

	for logicalName, tc := range cfg.Topics {
		topicNames = append(topicNames, logicalName)
		sourceTopics = append(sourceTopics, tc.SourceTopic)

		schema, err := buildSchema(tc)
		if err != nil {
			return fmt.Errorf("ingestd: topic %q: %w", logicalName, err)
		}

		tcfg := table.Config{
			TablePrefix:      tc.Destination.Prefix,
			PartitionColumns: tc.Destination.PartitionColumns,
			InitialSchema:    schema,
			MaxCommitRetries: 10,
			EngineInfo:       engineVersion,
		}
		writerTables[logicalName] = tcfg
		optimizerTables[tc.Destination.Prefix] = tcfg
		optConfigs[tc.Destination.Prefix] = optimizer.Config{
			MinFileSize:       tc.Table.MinCompactBytes,
			MaxFileSize:       tc.Table.TargetFileBytes,
			OptimizeInterval:  tc.Table.OptimizeInterval,
			VacuumEnabled:     tc.Table.EnableVacuum,
			RetentionWindow:   time.Duration(tc.Table.VacuumRetentionHours) * time.Hour,
			ReaderMaxLookback: time.Duration(cfg.Global.CobMaxDaysInPast) * 24 * time.Hour,
		}
	}

	writer := table.New(store, writerTables, log)
	opt := optimizer.New(store, optimizerTables, optConfigs, log, uuid.NewString)

	healthSrv := health.New(m, topicNames)
	healthSrv.SetStoreReachable(true)

	mem := batch.NewGlobalMemory(cfg.Global.MemoryBudgetBytes)
	pool := batch.NewWorkerPool(cfg.Global.WriterPoolSize)

	retryPolicy := classify.DefaultRetryPolicy()

	producer, err := broker.NewProducer(broker.ProducerConfig{Endpoints: cfg.Broker.Endpoints}, m.Kafka, log)
	if err != nil {
		return err
	}
	dlrRouter := dlr.New(producer, engineVersion)

	var optTables []string
	for prefix := range optimizerTables {
		optTables = append(optTables, prefix)
	}

	ledger := engine.NewOffsetLedger()

	for logicalName, tc := range cfg.Topics {
		cobField := cobFieldOrDefault(tc.Destination.CobField)

		schemaMgr := parser.NewStaticSchemaManager(map[string]*model.Schema{
			tc.SchemaName: writerTables[logicalName].InitialSchema,
		})
		p := parser.New(parser.Options{
			SchemaName:     tc.SchemaName,
			AllowedFormats: formatsOf(tc.Formats),
			CobField:       cobField,
			CobMaxDaysPast: cfg.Global.CobMaxDaysInPast,
		}, parser.NewCachingSchemaManager(schemaMgr), time.Now)

		enricher := transform.New(engineVersion, nil)

		acc := batch.New(logicalName, batch.Config{
			BatchSize:     tc.Processing.BatchSize,
			FlushInterval: time.Duration(tc.Processing.FlushIntervalSeconds) * time.Second,
		}, writer, mem, pool, log)
		acc.OnFlush(func(b *model.Batch, err error) {
			if err != nil {
				// offsets stay held; Advance will never pass them until a
				// later flush of a re-accumulated batch succeeds or the
				// process restarts and the broker redelivers them.
				return
			}
			for _, row := range b.Rows {
				ledger.Release(engine.PartitionKey{Topic: row.SourceRef.Topic, Partition: row.SourceRef.Partition}, row.SourceRef.Offset)
			}
		})

		pipelinesBySourceTopic[tc.SourceTopic] = &engine.TopicPipeline{
			LogicalName: logicalName,
			SourceTopic: tc.SourceTopic,
			CobField:    cobField,
			Parser:      p,
			Enricher:    enricher,
			Accumulator: acc,
			Retry:       retryPolicy,
			Breaker: circuit.New(circuit.Config{
				FailureThreshold: cfg.Circuit.FailureThreshold,
				SuccessThreshold: cfg.Circuit.SuccessThreshold,
				OpenTimeout:      time.Duration(cfg.Circuit.OpenTimeoutSeconds) * time.Second,
			}),
		}
		healthSrv.SetTopicState(logicalName, health.Ready)
	}

	consumer, err := broker.NewConsumer(broker.ConsumerConfig{
		Endpoints:       cfg.Broker.Endpoints,
		GroupID:         cfg.Broker.GroupID,
		PollRecords:     cfg.Broker.PollRecords,
		SessionTimeout:  cfg.Broker.SessionTimeout,
		MaxPollInterval: cfg.Broker.MaxPollInterval,
	}, sourceTopics, noopRebalanceListener{}, m.Kafka, log)
	if err != nil {
		return err
	}
	healthSrv.SetBrokerReachable(true)

	eng := engine.New(consumer, pipelinesBySourceTopic, dlrRouter, opt, optTables, healthSrv, m, log, ledger,
		time.Duration(cfg.Global.GracefulStopSeconds)*time.Second)
	writer.OnCommit(eng.NotifyCommit)

	httpSrv := &http.Server{Addr: cfg.Global.HealthAddr, Handler: healthSrv.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("health server stopped", "err", err)
		}
	}()

	err = eng.Run(ctx)
	_ = httpSrv.Close()
	producer.Close()
	return err
}

func buildStore(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Store.Region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("ingestd: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Store.Endpoint != "" {
			o.BaseEndpoint = &cfg.Store.Endpoint
		}
		o.UsePathStyle = cfg.Store.PathStyle
	})
	return objstore.NewS3Store(cfg.Store.Bucket, client), nil
}

func formatsOf(names []string) []model.Format {
	out := make([]model.Format, 0, len(names))
	for _, n := range names {
		switch n {
		case "JSON":
			out = append(out, model.FormatJSON)
		case "CSV":
			out = append(out, model.FormatCSV)
		case "BINARY":
			out = append(out, model.FormatBinary)
		}
	}
	return out
}

func cobFieldOrDefault(f string) string {
	if f == "" {
		return "cobDate"
	}
	return f
}

// buildSchema turns a topic's configured field declarations into its
// canonical model.Schema. The cob field is always present in the result:
// if the operator declared it explicitly its Required flag is overridden
// to false, since extractCOB (not the generic required-field check) owns
// deciding whether a missing or invalid cob date fails the record; if the
// operator did not declare it, it is added as a plain nullable string.
func buildSchema(tc config.TopicConfig) (*model.Schema, error) {
	cobField := cobFieldOrDefault(tc.Destination.CobField)

	fields := make([]*model.SchemaField, 0, len(tc.SchemaFields)+1)
	seenCob := false
	for _, fc := range tc.SchemaFields {
		t, err := fieldTypeOf(fc.Type)
		if err != nil {
			return nil, fmt.Errorf("schema field %q: %w", fc.Name, err)
		}
		required := fc.Required
		if fc.Name == cobField {
			required = false
			seenCob = true
		}
		fields = append(fields, &model.SchemaField{
			Name: fc.Name, Type: t, Required: required, Nullable: fc.Nullable,
		})
	}
	if !seenCob {
		fields = append(fields, &model.SchemaField{Name: cobField, Type: model.TypeString})
	}

	return &model.Schema{Name: tc.SchemaName, Version: 1, Fields: fields}, nil
}

func fieldTypeOf(name string) (model.FieldType, error) {
	switch strings.ToUpper(name) {
	case "", "STRING":
		return model.TypeString, nil
	case "INT32":
		return model.TypeInt32, nil
	case "INT64":
		return model.TypeInt64, nil
	case "DOUBLE":
		return model.TypeDouble, nil
	case "BOOLEAN":
		return model.TypeBoolean, nil
	case "TIMESTAMP_MILLIS":
		return model.TypeTimestampMillis, nil
	case "ENUM":
		return model.TypeEnum, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", name)
	}
}

type noopRebalanceListener struct{}

func (noopRebalanceListener) OnAssigned(context.Context, map[string][]int32) {}
func (noopRebalanceListener) OnRevoked(context.Context, map[string][]int32)  {}
func (noopRebalanceListener) OnLost(context.Context, map[string][]int32)    {}
