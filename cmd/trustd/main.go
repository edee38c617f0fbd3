package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/custodia/wallet-recovery-backend/anomaly"
	"github.com/custodia/wallet-recovery-backend/common"
	"github.com/custodia/wallet-recovery-backend/cryptoutils"
	"github.com/custodia/wallet-recovery-backend/httpserver"
	"github.com/custodia/wallet-recovery-backend/interfaces"
	"github.com/custodia/wallet-recovery-backend/mfa"
	"github.com/custodia/wallet-recovery-backend/recovery"
	"github.com/custodia/wallet-recovery-backend/signer"
	"github.com/custodia/wallet-recovery-backend/storage"
	"github.com/custodia/wallet-recovery-backend/walletexec"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "storage-uri",
		Value: "memory://",
		Usage: "storage backend URI: memory://, file://<path>, s3://<bucket>/<prefix>, vault://<addr>/<mount>/<path>",
	},
	&cli.StringFlag{
		Name:  "master-key",
		Value: "",
		Usage: "hex-encoded 32-byte master key for share and enrollment encryption",
	},
	&cli.StringFlag{
		Name:  "master-key-file",
		Value: "",
		Usage: "file containing the hex-encoded master key (alternative to --master-key)",
	},
	&cli.StringFlag{
		Name:  "rpc-addr",
		Value: "",
		Usage: "Ethereum RPC endpoint for executing ownership changes; dry-run when empty",
	},
	&cli.StringFlag{
		Name:  "operator-key",
		Value: "",
		Usage: "hex-encoded operator private key for signing ownership-change transactions",
	},
	&cli.StringFlag{
		Name:  "mfa-issuer",
		Value: "wallet-recovery",
		Usage: "issuer name embedded in TOTP provisioning URLs",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "wallet-recovery-backend",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "trustd",
		Usage: "Serve the wallet trust and recovery API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			storageURI := cCtx.String("storage-uri")
			rpcAddr := cCtx.String("rpc-addr")
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			masterKey, err := loadMasterKey(cCtx)
			if err != nil {
				logger.Error("Failed to load master key", "err", err)
				return err
			}
			cipher, err := cryptoutils.NewCipher(masterKey)
			if err != nil {
				logger.Error("Failed to initialize cipher", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			backend, err := storage.NewFactory(logger).BackendFor(storageURI)
			if err != nil {
				logger.Error("Failed to create storage backend", "err", err, "uri", storageURI)
				return err
			}
			records, err := storage.NewRecords(ctx, backend, logger)
			if err != nil {
				logger.Error("Failed to initialize record store", "err", err)
				return err
			}

			var executor interfaces.WalletExecutor
			if rpcAddr != "" {
				operatorKeyHex := strings.TrimPrefix(cCtx.String("operator-key"), "0x")
				if operatorKeyHex == "" {
					logger.Error("operator-key is required when rpc-addr is set")
					return errors.New("operator-key is required when rpc-addr is set")
				}
				operatorKey, err := ethcrypto.HexToECDSA(operatorKeyHex)
				if err != nil {
					logger.Error("Invalid operator key", "err", err)
					return err
				}
				executor, err = walletexec.NewEthereumExecutor(ctx, rpcAddr, operatorKey, logger)
				if err != nil {
					logger.Error("Failed to connect to RPC", "err", err, "address", rpcAddr)
					return err
				}
				logger.Info("Connected to Ethereum RPC", "address", rpcAddr)
			} else {
				logger.Warn("No RPC endpoint configured, ownership changes run dry")
				executor = walletexec.NewDryRunExecutor(logger)
			}

			clk := clock.New()
			anomalyEngine := anomaly.New(records, clk, logger, anomaly.DefaultConfig())
			mfaCfg := mfa.DefaultConfig()
			mfaCfg.Issuer = cCtx.String("mfa-issuer")
			mfaManager := mfa.New(records, anomalyEngine, cipher, clk, logger, mfaCfg)
			thresholdSigner := signer.New(records, cipher, logger)
			recoveryEngine := recovery.New(records, records, anomalyEngine, executor, clk, logger, recovery.DefaultConfig())

			backups := recovery.NewBackups(records, cipher, logger)
			handler := httpserver.NewHandler(recoveryEngine, anomalyEngine, mfaManager, thresholdSigner, backups, logger)
			server, err := httpserver.New(&httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			go recoveryEngine.RunMonitor(ctx)
			go anomalyEngine.RunSweeper(ctx, time.Hour)
			go mfaManager.RunSweeper(ctx, time.Minute)

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			cancel()
			server.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadMasterKey reads the master key from the flag or the key file.
func loadMasterKey(cCtx *cli.Context) ([]byte, error) {
	keyHex := cCtx.String("master-key")
	if keyFile := cCtx.String("master-key-file"); keyHex == "" && keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		keyHex = strings.TrimSpace(string(data))
	}
	if keyHex == "" {
		return nil, errors.New("either master-key or master-key-file is required")
	}
	key, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, errors.New("master key must be hex encoded")
	}
	return key, nil
}
