// Command agent runs one realm node: an Hsm paired with an Agent driving
// its capture/commit/heartbeat loops behind an HTTP rpcapi server, the
// production counterpart to the in-process nodes cluster_test.go builds
// for tests.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/datatrails/go-datatrails-common/azblob"
	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/juicebox-realm/realmcore/agent"
	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/merklestore"
	"github.com/juicebox-realm/realmcore/rpcapi"
	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/storage"
	"github.com/juicebox-realm/realmcore/transport"
)

var (
	name          string
	listen        string
	publicURL     string
	nvramPath     string
	realmKeyHex   string
	redisURL      string
	blobContainer string
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run one realm HSM/agent node",
	RunE:  runAgent,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&name, "name", "", "service name for logging (required)")
	flags.StringVar(&listen, "listen", ":8400", "HTTP bind address")
	flags.StringVar(&publicURL, "url", "", "URL other agents should dial to reach this node (required)")
	flags.StringVar(&nvramPath, "nvram", "", "path to a file-backed NVRAM page; empty keeps state in memory only")
	flags.StringVar(&realmKeyHex, "realm-key", "", "hex-encoded 32-byte realm key to provision this HSM with on first boot; empty generates a fresh one. Required to be shared across every HSM that will join the same group, since a real HSM never exports its key once minted")
	flags.StringVar(&redisURL, "discovery-redis", "", "Redis URL for the shared discovery table; empty uses an in-process table visible only to this binary")
	flags.StringVar(&blobContainer, "blob-container", "", "Azure Blob container for merkle/journal storage; empty keeps both in memory")
	_ = rootCmd.MarkFlagRequired("name")
	_ = rootCmd.MarkFlagRequired("url")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger.New("INFO")
	log := logger.Sugar.WithServiceName(name)

	page, err := nvramPage()
	if err != nil {
		return fmt.Errorf("agent: opening nvram: %w", err)
	}

	h, err := bootHsm(page, log)
	if err != nil {
		return fmt.Errorf("agent: booting hsm: %w", err)
	}

	disc, err := openDiscovery()
	if err != nil {
		return fmt.Errorf("agent: opening discovery: %w", err)
	}

	status := h.Status()
	var realm ids.RealmId
	if status.RealmId != nil {
		realm = *status.RealmId
	}

	store, j, err := openStorage(realm)
	if err != nil {
		return fmt.Errorf("agent: opening storage: %w", err)
	}

	a := agent.New(h, realm, j, store, log)
	a.Discovery = disc
	a.URL = publicURL

	handler := instrument(rpcapi.NewHandler(a, h))
	server := transport.NewServer(handler)

	mux := http.NewServeMux()
	mux.Handle("/", server.Router())
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: listen, Handler: mux}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s, public url %s", listen, publicURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return fmt.Errorf("agent: http server: %w", err)
	case err := <-runErr:
		stop()
		if err != nil {
			return fmt.Errorf("agent: run loop: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// nvramPage opens the file-backed page named by --nvram, or mints a fresh
// in-memory page of the same size if the flag is empty.
func nvramPage() (hsm.WriteFullPage, error) {
	if nvramPath == "" {
		return hsm.NewMemPage(hsm.MinPageBytes * 4)
	}
	return hsm.NewFilePage(nvramPath, hsm.MinPageBytes*4)
}

// bootHsm loads an existing Hsm from page if it already holds state (a
// restart), or mints a fresh one (first boot) otherwise. On first boot,
// --realm-key provisions a caller-chosen key instead of a random one, the
// out-of-band step a real multi-process deployment needs before any two
// independently-started HSMs can verify each other's GroupConfiguration
// statements and join the same group.
func bootHsm(page hsm.WriteFullPage, log logger.Logger) (*hsm.Hsm, error) {
	cfg := hsm.Config{Name: name, Log: log, NVRAM: page}
	if existing, ok := page.(interface{ Exists() bool }); ok && existing.Exists() {
		return hsm.LoadHsm(cfg)
	}
	if realmKeyHex == "" {
		return hsm.NewHsm(cfg)
	}
	key, err := parseRealmKey(realmKeyHex)
	if err != nil {
		return nil, fmt.Errorf("--realm-key: %w", err)
	}
	return hsm.NewHsmWithRealmKey(cfg, key)
}

func parseRealmKey(s string) (statements.RealmKey, error) {
	var key statements.RealmKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("want %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// openStorage builds the merkle/journal stores this node reads and writes,
// against a shared Azure Blob container when --blob-container is set, or
// in-memory stores scoped to this process otherwise. Grounded on the sole
// azblob client-construction pattern the pack retrieves,
// azblob.NewDev(azblob.NewDevConfigFromEnv(), container) in
// mmrtesting/testcontext.go.
func openStorage(realm ids.RealmId) (merklestore.Store, journal.Store, error) {
	if blobContainer == "" {
		return merklestore.NewMemStore(nil), journal.NewMemStore(), nil
	}

	storer, err := azblob.NewDev(azblob.NewDevConfigFromEnv(), blobContainer)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to blob store: %w", err)
	}
	paths := storage.PathProvider{Prefix: "realmcore"}
	return merklestore.NewBlobStore(storer, paths, merklestore.NewScheduler(10 * time.Minute)),
		journal.NewBlobStore(storer, realm, paths),
		nil
}

// openDiscovery connects to Redis when --discovery-redis is set, or falls
// back to a table private to this process, which only makes sense for a
// single-node demo since no other process can see registrations in it.
func openDiscovery() (discovery.Table, error) {
	if redisURL == "" {
		return discovery.NewMemTable(), nil
	}
	if err := os.Setenv("REDIS_URL", redisURL); err != nil {
		return nil, err
	}
	return discovery.NewRedisTableFromEnv("realmcore:")
}

var (
	rpcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realmcore_rpc_requests_total",
		Help: "Total RPC requests handled by this agent, by command name and outcome.",
	}, []string{"command", "outcome"})
	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realmcore_rpc_duration_seconds",
		Help:    "RPC handling latency by command name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})
)

// instrument wraps handler with Prometheus counters and a latency
// histogram per command name, the same per-endpoint metrics shape
// promhttp.Handler exposes for the process's own HTTP metrics.
func instrument(handler transport.HandlerFunc) transport.HandlerFunc {
	return func(ctx context.Context, name string, body []byte) ([]byte, error) {
		start := time.Now()
		resp, err := handler(ctx, name, body)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		rpcRequests.WithLabelValues(name, outcome).Inc()
		rpcDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		return resp, err
	}
}
