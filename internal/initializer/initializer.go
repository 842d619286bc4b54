package initializer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/sync/errgroup"

	"github.com/quantfeed/marketpipe/internal/config"
	"github.com/quantfeed/marketpipe/internal/connector"
	"github.com/quantfeed/marketpipe/internal/consumer"
	"github.com/quantfeed/marketpipe/internal/creds"
	"github.com/quantfeed/marketpipe/internal/orchestrator"
	"github.com/quantfeed/marketpipe/internal/processor"
	"github.com/quantfeed/marketpipe/internal/queue"
	"github.com/quantfeed/marketpipe/internal/storage"
)

// Start will initialize various required systems and then execute the
// pipeline: orchestrated vendor consumers producing into the queue,
// one batch processor draining it.
func Start(mainCtx context.Context, cfg *config.Config) error {
	if err := setupLogger(&cfg.Log); err != nil {
		return err
	}
	log.Info().Msg("logger setup is done")

	// The only unrecoverable configuration error: nothing to run.
	if len(cfg.Vendors) == 0 {
		err := errors.New("no vendors configured")
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}
	for _, v := range cfg.Vendors {
		if v.Name == "" {
			err := errors.New("vendor with empty name in config")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
	}

	rq, err := queue.InitRedis(mainCtx, &cfg.Connection.Queue)
	if err != nil {
		err = errors.Wrap(err, "queue connection")
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}
	log.Info().Msg("redis queue connected")
	control := queue.NewControl(rq.Client(), cfg.Connection.Queue.ControlFlagKey, cfg.Connection.Queue.HeartbeatKey)

	repos, err := initRepositories(mainCtx, &cfg.Connection)
	if err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}

	connector.InitREST(&cfg.Connection.REST)
	log.Info().Msg("REST connection setup is done")

	credManager := creds.NewManager(cfg.Vendors)
	orch := orchestrator.New(credManager, control)

	var work []orchestrator.Assignment
	for _, v := range cfg.Vendors {
		vendorName := v.Name
		consCfg := consumer.NewConfig(v.Consumer)
		factory, err := factoryFor(vendorName, &cfg.Connection.WS, credManager, rq)
		if err != nil {
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		if err := orch.Register(vendorName, consCfg, v.Retry, factory); err != nil {
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		if err := rq.EnsureGroup(mainCtx, vendorName); err != nil {
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		// Flag configured tickers the vendor does not currently list.
		// Advisory only; the vendor simply never emits data for them.
		if listed, err := consumer.ListedSymbols(mainCtx, vendorName); err != nil {
			log.Warn().Str("vendor", vendorName).Err(err).Msg("symbol listing unavailable, skipping ticker check")
		} else {
			for _, t := range v.Tickers {
				if _, ok := listed[t.Symbol]; !ok {
					log.Warn().Str("vendor", vendorName).Str("ticker", t.Symbol).Msg("ticker not listed as tradable by vendor")
				}
			}
		}

		for _, t := range v.Tickers {
			work = append(work, orchestrator.Assignment{
				Symbol:    t.Symbol,
				AssetType: consumer.AssetType(t.AssetType),
			})
		}
	}

	if unassigned := orch.Assign(work); len(unassigned) > 0 {
		log.Warn().Strs("tickers", unassigned).Msg("tickers without coverage")
	}

	popTimeout := time.Duration(cfg.Connection.Queue.PopTimeoutSec) * time.Second
	proc := processor.New(rq, repos, orch.Vendors(), popTimeout)

	appErrGroup, appCtx := errgroup.WithContext(mainCtx)
	if err := orch.Start(appCtx); err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}
	appErrGroup.Go(func() error {
		return proc.Run(appCtx)
	})
	appErrGroup.Go(func() error {
		<-appCtx.Done()
		return orch.Stop()
	})

	err = appErrGroup.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Msg("exiting the app")
		return err
	}
	return nil
}

// factoryFor maps a configured vendor name onto its consumer
// implementation.
func factoryFor(vendor string, wsCfg *config.WS, cm *creds.Manager, q queue.Queue) (consumer.Factory, error) {
	switch vendor {
	case "binance":
		return func(_ string, cfg consumer.Config) (consumer.Consumer, error) {
			return consumer.NewBinance(cfg, wsCfg, cm, q), nil
		}, nil
	case "coinbase":
		return func(_ string, cfg consumer.Config) (consumer.Consumer, error) {
			return consumer.NewCoinbase(cfg, wsCfg, cm, q), nil
		}, nil
	}
	return nil, errors.Errorf("unknown vendor %v in config", vendor)
}

// initRepositories connects the configured warehouse backends. All of
// them upsert by natural key, so the processor can fan a batch out to
// every one of them.
func initRepositories(ctx context.Context, conn *config.Connection) ([]storage.Repository, error) {
	var repos []storage.Repository
	for _, name := range conn.Storages {
		switch name {
		case "terminal":
			repos = append(repos, storage.InitTerminal(os.Stdout))
			log.Info().Msg("terminal connected")
		case "postgres":
			pg, err := storage.InitPostgres(ctx, &conn.Postgres)
			if err != nil {
				return nil, errors.Wrap(err, "postgres connection")
			}
			repos = append(repos, pg)
			log.Info().Msg("postgres connected")
		case "mysql":
			my, err := storage.InitMySQL(&conn.MySQL)
			if err != nil {
				return nil, errors.Wrap(err, "mysql connection")
			}
			repos = append(repos, my)
			log.Info().Msg("mysql connected")
		case "elastic_search":
			es, err := storage.InitElasticSearch(&conn.ES)
			if err != nil {
				return nil, errors.Wrap(err, "elastic search connection")
			}
			repos = append(repos, es)
			log.Info().Msg("elastic search connected")
		default:
			return nil, errors.Errorf("unknown storage %v in config", name)
		}
	}
	if len(repos) == 0 {
		return nil, errors.New("no storages configured")
	}
	return repos, nil
}

// setupLogger configures the global zerolog logger.
// If the path given in the config for logging ends with .log then create a log file with the same name and
// write log messages to it. Otherwise, create a new log file with a timestamp attached to it's name in the given path.
func setupLogger(cfg *config.Log) error {
	var (
		logFile *os.File
		err     error
	)
	if strings.HasSuffix(cfg.FilePath, ".log") {
		logFile, err = os.OpenFile(cfg.FilePath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return fmt.Errorf("not able to open or create log file: %v", cfg.FilePath)
		}
	} else {
		name := cfg.FilePath + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log"
		logFile, err = os.Create(name)
		if err != nil {
			return fmt.Errorf("not able to create log file: %v", name)
		}
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch cfg.Level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Logger = zerolog.New(logFile).With().Timestamp().Logger()
	return nil
}
