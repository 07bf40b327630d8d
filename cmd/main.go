package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/scroll-tech/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/bundler"
	"github.com/scroll-tech/aa-orchestrator/internal/chain"
	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/controller"
	"github.com/scroll-tech/aa-orchestrator/internal/identity"
	"github.com/scroll-tech/aa-orchestrator/internal/operation"
	"github.com/scroll-tech/aa-orchestrator/internal/orchestrator"
	"github.com/scroll-tech/aa-orchestrator/internal/orm"
	"github.com/scroll-tech/aa-orchestrator/internal/payment"
	"github.com/scroll-tech/aa-orchestrator/internal/route"
	"github.com/scroll-tech/aa-orchestrator/internal/session"
	"github.com/scroll-tech/aa-orchestrator/internal/sponsor"
	"github.com/scroll-tech/aa-orchestrator/internal/utils"
	"github.com/scroll-tech/aa-orchestrator/internal/utils/database"
	"github.com/scroll-tech/aa-orchestrator/internal/utils/observability"
)

const (
	startupTimeout   = 30 * time.Second
	paymasterTimeout = 30 * time.Second
)

func action(ctx *cli.Context) error {
	// Load config file.
	cfgFile := ctx.String(utils.ConfigFileFlag.Name)
	cfg, err := config.NewConfig(cfgFile)
	if err != nil {
		log.Crit("failed to load config file", "config file", cfgFile, "error", err)
	}

	db, err := database.InitDB(&cfg.DBConfig)
	if err != nil {
		log.Crit("failed to init db connection", "error", err)
	}
	defer func() {
		if closeErr := database.CloseDB(db); closeErr != nil {
			log.Error("failed to close db connection", "error", closeErr)
		}
	}()

	if ctx.Bool(utils.DBResetFlag.Name) {
		if err = orm.Reset(db); err != nil {
			return fmt.Errorf("failed to reset attempt store: %w", err)
		}
		log.Info("attempt store reset")
		return nil
	}
	if err = orm.Migrate(db); err != nil {
		log.Crit("failed to migrate attempt store", "error", err)
	}
	if ctx.Bool(utils.DBMigrateFlag.Name) {
		log.Info("attempt store migrated")
		return nil
	}

	startCtx, cancelStart := context.WithTimeout(ctx.Context, startupTimeout)
	defer cancelStart()

	backend, err := chain.Dial(startCtx, cfg.Chain)
	if err != nil {
		log.Crit("failed to dial chain rpc", "url", cfg.Chain.RPCURL, "error", err)
	}
	defer backend.Close()
	if err = backend.CheckChainID(startCtx); err != nil {
		log.Crit("chain sanity check failed", "error", err)
	}

	bundlerClient, err := bundler.Dial(startCtx, cfg.Chain.BundlerURL, cfg.Chain.EntryPoint)
	if err != nil {
		log.Crit("failed to dial bundler", "url", cfg.Chain.BundlerURL, "error", err)
	}
	defer bundlerClient.Close()
	if err = bundlerClient.CheckEntryPoint(startCtx); err != nil {
		log.Crit("bundler sanity check failed", "error", err)
	}
	bundlerChainID, err := bundlerClient.ChainID(startCtx)
	if err != nil {
		log.Crit("failed to query bundler chain id", "error", err)
	}
	if bundlerChainID.Cmp(cfg.Chain.ChainIDBig()) != 0 {
		log.Crit("bundler serves a different chain", "expected", cfg.Chain.ChainID, "got", bundlerChainID)
	}

	var kmsClient identity.KMSClient
	if cfg.Signer.KMSEnabled() {
		client, kmsErr := identity.NewKMSClient(startCtx, cfg.Signer.AWSRegion)
		if kmsErr != nil {
			log.Crit("failed to create AWS KMS client", "region", cfg.Signer.AWSRegion, "error", kmsErr)
		}
		kmsClient = client
	}

	factory, err := account.NewFactory(cfg.Chain, cfg.Account, backend)
	if err != nil {
		log.Crit("failed to create account factory", "error", err)
	}

	reg := prometheus.DefaultRegisterer
	builder := operation.NewBuilder(bundlerClient, backend, cfg.GasDefaults)
	resolver := sponsor.NewResolver(sponsor.NewClient(cfg.Chain.PaymasterURL, paymasterTimeout), builder, reg)
	attempts := orm.NewUserOperationAttempt(db)
	orch := orchestrator.New(builder, resolver, bundlerClient, backend, attempts, cfg.Submission, reg)
	sessions := session.NewManager(identity.NewProvider(cfg.Signer, kmsClient), factory)
	api := controller.NewAPI(sessions, orch, payment.NewBuilder(cfg.Payment), backend, attempts, sponsor.PolicyFromConfig(cfg.FeePolicy))

	metricsSrv := observability.Server(ctx, prometheus.DefaultGatherer, readinessChecks(db, backend))

	router := gin.New()
	route.Route(router, cfg, api, reg)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", ctx.String(utils.HTTPListenAddrFlag.Name), ctx.Int(utils.HTTPPortFlag.Name)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// a request may wait out a whole confirmation window
		WriteTimeout: cfg.Submission.ConfirmationTimeout() + 2*paymasterTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if runServerErr := srv.ListenAndServe(); runServerErr != nil && !errors.Is(runServerErr, http.ErrServerClosed) {
			log.Crit("run orchestrator http server failure", "error", runServerErr)
		}
	}()

	log.Info("Start orchestrator success...", "version", utils.Version, "addr", srv.Addr, "chainId", cfg.Chain.ChainID,
		"entryPoint", cfg.Chain.EntryPoint.Hex(), "selection", cfg.FeePolicy.Selection)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	log.Info("Start shutdown orchestrator server...", "openSessions", sessions.Count())

	closeCtx, cancelExit := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelExit()
	if metricsSrv != nil {
		if err = metricsSrv.Shutdown(closeCtx); err != nil {
			log.Warn("shutdown metrics server failure", "error", err)
		}
	}
	if err = srv.Shutdown(closeCtx); err != nil {
		log.Warn("shutdown orchestrator server failure", "error", err)
		return nil
	}

	log.Info("orchestrator server exiting success")
	return nil
}

func readinessChecks(db *gorm.DB, backend *chain.Backend) map[string]observability.Pinger {
	return map[string]observability.Pinger{
		"database": observability.PingFunc(func(context.Context) error {
			_, err := database.Ping(db)
			return err
		}),
		"chain": observability.PingFunc(func(ctx context.Context) error {
			_, err := backend.BlockNumber(ctx)
			return err
		}),
	}
}

// Run the orchestrator api.
func main() {
	app := cli.NewApp()
	app.Action = action
	app.Name = "aa-orchestrator"
	app.Usage = "The sponsored transaction orchestrator"
	app.Version = utils.Version
	app.Flags = append(app.Flags, utils.CommonFlags...)
	app.Commands = []*cli.Command{}
	app.Before = func(ctx *cli.Context) error {
		return utils.LogSetup(ctx)
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
