// Copyright 2025 go-dataspace
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server provides the server subcommand.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp"
	"github.com/go-dataspace/run-sig/dsp/control"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/internal/authn"
	"github.com/go-dataspace/run-sig/internal/cfg"
	"github.com/go-dataspace/run-sig/internal/constants"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/go-dataspace/run-sig/policy"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sloghttp "github.com/samber/slog-http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Viper config keys.
const (
	ListenAddr     = "server.listenAddr"
	Port           = "server.port"
	ControlAddr    = "server.controlAddr"
	ControlPort    = "server.controlPort"
	ExternalURL    = "server.externalURL"
	ParticipantID  = "server.participantID"
	StorageBackend = "storage.backend"
	StoragePath    = "storage.path"
	MaxOffers      = "negotiation.maxOffers"
	MaxAttempts    = "reconciler.maxAttempts"
	MaxDuration    = "reconciler.maxDuration"
	LockWaitTime   = "lock.waitTime"
)

// Command is the server subcommand, it runs the dataspace endpoints and the
// operator API until interrupted.
var Command = &cobra.Command{
	Use:   "server",
	Short: "Run the RUN-SIG server",
	Long: `Runs the RUN-SIG server, which serves the dataspace protocol
			endpoints on the main listener and the operator API on the
			control listener.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.CheckListenAddr(viper.GetString(ListenAddr)); err != nil {
			return err
		}
		if err := cfg.CheckListenAddr(viper.GetString(ControlAddr)); err != nil {
			return err
		}
		if err := cfg.CheckListenPort(viper.GetInt(Port)); err != nil {
			return err
		}
		if err := cfg.CheckListenPort(viper.GetInt(ControlPort)); err != nil {
			return err
		}
		if err := cfg.CheckURL(viper.GetString(ExternalURL)); err != nil {
			return err
		}
		if viper.GetString(StorageBackend) == "badger" && viper.GetString(StoragePath) == "" {
			return fmt.Errorf("badger backend requires a storage path")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, ok := viper.Get("initCTX").(context.Context)
		if !ok {
			return fmt.Errorf("couldn't fetch initial context")
		}
		return run(ctx)
	},
}

func init() {
	cfg.AddPersistentFlag(Command, ListenAddr, "listen-addr", "Listen address", "0.0.0.0")
	cfg.AddPersistentFlag(Command, Port, "port", "Listen port", 8080)
	cfg.AddPersistentFlag(Command, ControlAddr, "control-addr", "Operator API listen address", "127.0.0.1")
	cfg.AddPersistentFlag(Command, ControlPort, "control-port", "Operator API listen port", 8081)
	cfg.AddPersistentFlag(Command, ExternalURL,
		"external-url", "URL counterparties reach this server on", "http://127.0.0.1:8080")
	cfg.AddPersistentFlag(Command, ParticipantID,
		"participant-id", "Participant ID used when issuing credentials", "run-sig")
	cfg.AddPersistentFlag(Command, StorageBackend,
		"storage-backend", "Storage backend to use, either memory or badger", "memory")
	cfg.AddPersistentFlag(Command, StoragePath, "storage-path", "Directory for the badger database", "")
	cfg.AddPersistentFlag(Command, MaxOffers,
		"max-offers", "Maximum offers in a single negotiation before it is terminated",
		statemachine.DefaultOfferLimit)
	cfg.AddPersistentFlag(Command, MaxAttempts,
		"reconciler-max-attempts", "Maximum delivery attempts for an outgoing message",
		statemachine.DefaultMaxAttempts)
	cfg.AddPersistentFlag(Command, MaxDuration,
		"reconciler-max-duration", "Maximum retry window for an outgoing message",
		statemachine.DefaultMaxDuration)
	cfg.AddPersistentFlag(Command, LockWaitTime,
		"lock-wait-time", "How long a writer waits for a process lock",
		badger.DefaultLockWaitTime)
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := logging.Extract(ctx)

	listenAddr := viper.GetString(ListenAddr)
	port := viper.GetInt(Port)
	logger.Info("Starting server", "listenAddr", listenAddr, "port", port)

	store, err := getStorageProvider(ctx)
	if err != nil {
		return err
	}

	authority, err := dcp.New(viper.GetString(ParticipantID), nil, store, store)
	if err != nil {
		return fmt.Errorf("couldn't create claims authority: %w", err)
	}

	externalURL := shared.MustParseURL(viper.GetString(ExternalURL))
	apiURL := shared.MustParseURL(externalURL.String())
	apiURL.Path = path.Join(apiURL.Path, constants.APIPath)
	dataURL := shared.MustParseURL(externalURL.String())
	dataURL.Path = path.Join(dataURL.Path, "data")

	requester := &shared.HTTPRequester{}
	dataplane := dps.NewController(store, authority, dps.NewLoopbackPlane(), dataURL)
	reconciler := statemachine.NewReconciler(ctx, requester, store, dataplane,
		statemachine.WithRetryBudget(viper.GetInt(MaxAttempts), viper.GetDuration(MaxDuration)))
	reconciler.Run()

	deps := statemachine.Deps{
		Authority:  authority,
		Policy:     policy.NewODRLEngine(),
		DataPlane:  dataplane,
		Reconciler: reconciler,
		Store:      store,
		OfferLimit: viper.GetInt(MaxOffers),
	}

	mux := http.NewServeMux()
	mux.Handle("/.well-known/", http.StripPrefix("/.well-known", dsp.GetWellKnownRoutes()))
	mux.Handle(constants.APIPath+"/", http.StripPrefix(
		constants.APIPath, dsp.GetDSPRoutes(deps, apiURL)))
	mux.Handle("GET /metrics", promhttp.Handler())

	chain := alice.New(
		sloghttp.New(logger),
		sloghttp.Recovery,
		injectLogger(logger),
		authn.Middleware(authority),
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", listenAddr, port),
		Handler:           chain.Then(mux),
		ReadHeaderTimeout: 2 * time.Second,
	}

	ctl := control.New(requester, deps, apiURL)
	controlChain := alice.New(
		sloghttp.New(logger),
		sloghttp.Recovery,
		injectLogger(logger),
	)
	controlSrv := &http.Server{
		Addr: fmt.Sprintf("%s:%d",
			viper.GetString(ControlAddr), viper.GetInt(ControlPort)),
		Handler:           controlChain.Then(getControlRoutes(ctl)),
		ReadHeaderTimeout: 2 * time.Second,
	}

	errc := make(chan error, 2)
	go func() { errc <- srv.ListenAndServe() }()
	go func() { errc <- controlSrv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = controlSrv.Shutdown(shutdownCtx)
	reconciler.WaitGroup.Wait()
	return nil
}

// injectLogger makes the service logger available on all request contexts.
func injectLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logging.Inject(r.Context(), logger)))
		})
	}
}
