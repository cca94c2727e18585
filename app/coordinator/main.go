package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/lumino/go-coordinator/api"
	"github.com/lumino/go-coordinator/domain"
	"github.com/lumino/go-coordinator/entities"
	"github.com/lumino/go-coordinator/external/directory"
	"github.com/lumino/go-coordinator/external/elastic"
	"github.com/lumino/go-coordinator/external/eligibility"
	"github.com/lumino/go-coordinator/external/kafka"
	"github.com/lumino/go-coordinator/external/stakeledger"
	"github.com/lumino/go-coordinator/infrastructure/store/pebbledb"
	"github.com/lumino/go-coordinator/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "LUMINO_COORDINATOR"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		Server struct {
			ListenAddr       string `conf:"default:0.0.0.0:8000"`
			MetricsPort      int    `conf:"default:9999"`
			MetricsNamespace string `conf:"default:lumino_coordinator"`
		}
		Store struct {
			Folder string `conf:"default:store"`
		}
		Epoch struct {
			Genesis         string        `conf:"default:2026-01-01T00:00:00Z"`
			CommitDuration  time.Duration `conf:"default:10m"`
			RevealDuration  time.Duration `conf:"default:10m"`
			ElectDuration   time.Duration `conf:"default:5m"`
			ExecuteDuration time.Duration `conf:"default:25m"`
			ConfirmDuration time.Duration `conf:"default:5m"`
			DisputeDuration time.Duration `conf:"default:5m"`
		}
		Assignment struct {
			MaxJobsPerNode uint32 `conf:"default:4"`
			JobDeposit     uint64 `conf:"default:100"`
		}
		Settlement struct {
			LeaderReward              uint64 `conf:"default:500"`
			ParticipationReward       uint64 `conf:"default:50"`
			DisputerReward            uint64 `conf:"default:25"`
			MissedAssignmentPenalty   uint64 `conf:"default:1000"`
			MissedConfirmationPenalty uint64 `conf:"default:200"`
			SlashThreshold            uint32 `conf:"default:3"`
		}
		Registry struct {
			MinStake uint64 `conf:"default:1000"`
		}
		Admin struct {
			Authority      string        `conf:"default:lumino-admin"`
			PublishTimeout time.Duration `conf:"default:10s"`
		}
		Broker struct {
			BootstrapServers []string `conf:"default:localhost:9092"`
			ProduceTopic     string   `conf:"default:lumino-coordinator-events"`
		}
		Elastic struct {
			Enabled        bool          `conf:"default:false"`
			Address        string        `conf:"default:http://localhost:9200"`
			Index          string        `conf:"default:lumino-epoch-summaries"`
			RequestTimeout time.Duration `conf:"default:15s"`
		}
	}

	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	genesis, err := time.Parse(time.RFC3339, cfg.Epoch.Genesis)
	if err != nil {
		return errors.Wrap(err, "parsing genesis timestamp")
	}

	store, err := pebbledb.NewStore(cfg.Store.Folder)
	if err != nil {
		return errors.Wrap(err, "creating coordinator store")
	}
	defer store.Close()

	ledger, err := stakeledger.NewLedger(cfg.Store.Folder)
	if err != nil {
		return errors.Wrap(err, "creating stake ledger")
	}
	defer ledger.Close()

	gate, err := eligibility.NewGate(cfg.Store.Folder)
	if err != nil {
		return errors.Wrap(err, "creating eligibility gate")
	}
	defer gate.Close()

	nodeDirectory, err := directory.NewDirectory(cfg.Store.Folder, ledger, gate, cfg.Registry.MinStake)
	if err != nil {
		return errors.Wrap(err, "creating node directory")
	}
	defer nodeDirectory.Close()

	clock, err := domain.NewClock(domain.ClockConfig{
		Genesis: genesis,
		Commit:  cfg.Epoch.CommitDuration,
		Reveal:  cfg.Epoch.RevealDuration,
		Elect:   cfg.Epoch.ElectDuration,
		Execute: cfg.Epoch.ExecuteDuration,
		Confirm: cfg.Epoch.ConfirmDuration,
		Dispute: cfg.Epoch.DisputeDuration,
	})
	if err != nil {
		return errors.Wrap(err, "creating epoch clock")
	}

	m := kprom.NewMetrics(cfg.Server.MetricsNamespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
	kcl, err := kgo.NewClient(
		kgo.WithHooks(m),
		kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
		kgo.DefaultProduceTopic(cfg.Broker.ProduceTopic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		kgo.WithLogger(kgo.BasicLogger(os.Stdout, kgo.LogLevelInfo, nil)),
	)
	if err != nil {
		return errors.Wrap(err, "creating kafka client")
	}
	defer kcl.Close()
	publisher := kafka.NewClient(kcl)

	var archive domain.ArchiveSink
	if cfg.Elastic.Enabled {
		esClient, esErr := elastic.NewClient(cfg.Elastic.Address, cfg.Elastic.Index, cfg.Elastic.RequestTimeout)
		if esErr != nil {
			return errors.Wrap(esErr, "creating elastic client")
		}
		archive = esClient
	} else {
		log.Println("[WARN] main: Epoch summary archiving disabled")
	}

	election := domain.NewElection(clock, store, nodeDirectory, gate, sLogger)
	assignment := domain.NewAssignment(clock, store, nodeDirectory, ledger, domain.AssignmentParams{
		MaxJobsPerNode: cfg.Assignment.MaxJobsPerNode,
		JobDeposit:     cfg.Assignment.JobDeposit,
	}, sLogger)
	settlement := domain.NewSettlement(clock, store, assignment, nodeDirectory, ledger, domain.SettlementParams{
		LeaderReward:              cfg.Settlement.LeaderReward,
		ParticipationReward:       cfg.Settlement.ParticipationReward,
		DisputerReward:            cfg.Settlement.DisputerReward,
		MissedAssignmentPenalty:   cfg.Settlement.MissedAssignmentPenalty,
		MissedConfirmationPenalty: cfg.Settlement.MissedConfirmationPenalty,
		SlashThreshold:            cfg.Settlement.SlashThreshold,
	}, sLogger)

	opMetrics := metrics.NewMetrics(cfg.Server.MetricsNamespace)
	coordinator := domain.NewCoordinator(
		clock,
		election,
		assignment,
		settlement,
		publisher,
		archive,
		opMetrics,
		entities.Principal(cfg.Admin.Authority),
		cfg.Admin.PublishTimeout,
		sLogger,
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	apiError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		handler := api.NewHandler(coordinator, nodeDirectory, ledger, gate)
		handler.RegisterRoutes(mux)
		log.Printf("main: Starting server on [%s].", cfg.Server.ListenAddr)
		apiError <- http.ListenAndServe(cfg.Server.ListenAddr, mux)
	}()

	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Server.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-apiError:
			return fmt.Errorf("[ERROR] starting server: %v", err)
		case err := <-metricsError:
			return fmt.Errorf("[ERROR] starting metrics server: %v", err)
		}
	}
}
