// Command conregd is the cluster node daemon: it wires every internal
// subsystem together, multiplexes the Raft transport and the HTTP API
// onto one listening port, and runs until signaled.
//
// Grounded on the teacher's cmd/dcache/main.go (cobra command,
// PreRunE=setupConf reading a viper config file over flag defaults,
// RunE=runService, signal-triggered shutdown), generalized from the
// teacher's single service.New call to the several subsystems this
// spec wires together.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/conreg/conreg/internal/cache"
	"github.com/conreg/conreg/internal/cluster"
	"github.com/conreg/conreg/internal/configstore"
	"github.com/conreg/conreg/internal/discovery"
	"github.com/conreg/conreg/internal/forward"
	"github.com/conreg/conreg/internal/fsm"
	"github.com/conreg/conreg/internal/httpapi"
	"github.com/conreg/conreg/internal/logging"
	"github.com/conreg/conreg/internal/membership"
	"github.com/conreg/conreg/internal/namespacestore"
	"github.com/conreg/conreg/internal/security"
	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type config struct {
	NodeID         string
	BindAddr       string // shared Raft + HTTP address
	DataDir        string
	Bootstrap      bool
	StartJoinAddrs []string
	Debug          bool

	tls security.Conf
}

type daemon struct {
	conf   config
	logger *zap.Logger

	c          *cache.Cache
	namespaces *namespacestore.Store
	configs    *configstore.Store
	disc       *discovery.Engine
	f          *fsm.FSM
	node       *cluster.Node
	members    *membership.Membership
	api        *httpapi.Server
	prom       *httpapi.PromRegistry

	ln   net.Listener
	mux  cmux.CMux
	stop chan struct{}
}

func main() {
	d := &daemon{}
	cmd := &cobra.Command{
		Use:     "conregd",
		Short:   "Run a conreg cluster node",
		PreRunE: d.setupConf,
		RunE:    d.run,
	}
	if err := parseFlags(cmd); err != nil {
		log.Fatalf("error parsing flags: %s", err)
	}
	if err := cmd.Execute(); err != nil {
		log.Fatalf("error running conregd: %s", err)
	}
}

func parseFlags(cmd *cobra.Command) error {
	cmd.Flags().String("conf", "", "Path to a YAML/TOML/JSON configuration file.")

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	cmd.Flags().String("data-dir", filepath.Join(os.TempDir(), "conreg"), "Where to store raft logs, snapshots and cache.")
	cmd.Flags().String("id", hostname, "This node's cluster identifier.")
	cmd.Flags().String("addr", "127.0.0.1:9000", "Address this node binds for both the HTTP API and the Raft transport.")
	cmd.Flags().StringSlice("join", nil, "Existing gossip addresses to attempt joining on startup.")
	cmd.Flags().Bool("bootstrap", false, "Bootstrap a brand-new singleton cluster rooted at this node.")
	cmd.Flags().Bool("debug", false, "Enable development-mode (human-readable) logging.")

	cmd.Flags().String("tls-cert-file", "", "Path to this node's TLS certificate.")
	cmd.Flags().String("tls-key-file", "", "Path to this node's TLS key.")
	cmd.Flags().String("tls-ca-file", "", "Path to a CA bundle for verifying peers.")

	return viper.BindPFlags(cmd.Flags())
}

func (d *daemon) setupConf(cmd *cobra.Command, args []string) error {
	confFile, err := cmd.Flags().GetString("conf")
	if err != nil {
		return err
	}
	if confFile != "" {
		viper.SetConfigFile(confFile)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}

	d.conf = config{
		NodeID:         viper.GetString("id"),
		BindAddr:       viper.GetString("addr"),
		DataDir:        viper.GetString("data-dir"),
		Bootstrap:      viper.GetBool("bootstrap"),
		StartJoinAddrs: viper.GetStringSlice("join"),
		Debug:          viper.GetBool("debug"),
		tls: security.Conf{
			CertFile: viper.GetString("tls-cert-file"),
			KeyFile:  viper.GetString("tls-key-file"),
			CAFile:   viper.GetString("tls-ca-file"),
			IsServer: true,
		},
	}
	return os.MkdirAll(d.conf.DataDir, 0o755)
}

func (d *daemon) run(cmd *cobra.Command, args []string) error {
	logger, err := logging.Init(d.conf.Debug)
	if err != nil {
		return err
	}
	d.logger = logger.Named("conregd")

	ctx := context.Background()
	if d.c, err = cache.Open(ctx, filepath.Join(d.conf.DataDir, "cache.db")); err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	d.namespaces = namespacestore.New()
	d.configs = configstore.New()
	d.disc = discovery.New(d.namespaces)
	d.f = fsm.New(d.namespaces, d.configs, d.disc, d.c)

	d.ln, err = net.Listen("tcp", d.conf.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.conf.BindAddr, err)
	}
	if d.conf.tls.Enabled() {
		tlsConf, err := security.MakeTLSConfig(d.conf.tls)
		if err != nil {
			return fmt.Errorf("tls config: %w", err)
		}
		d.ln = tls.NewListener(d.ln, tlsConf)
	}
	d.mux = cmux.New(d.ln)
	httpLn := d.mux.Match(cmux.HTTP1Fast())
	raftLn := d.mux.Match(cmux.Any())

	d.node, err = cluster.NewWithListener(cluster.Config{
		NodeID: d.conf.NodeID, BindAddr: d.conf.BindAddr, DataDir: d.conf.DataDir,
	}, d.f, raftLn)
	if err != nil {
		return fmt.Errorf("new raft node: %w", err)
	}
	if d.conf.Bootstrap {
		if err := d.node.Init(nil); err != nil {
			d.logger.Warn("bootstrap failed (cluster may already be initialized)", zap.Error(err))
		}
	}

	proxy := forward.New(5 * time.Second)
	d.api = httpapi.New(d.node, d.f, proxy, d.conf.BindAddr)
	d.prom = httpapi.NewPromRegistry()
	d.api.Prom = d.prom

	d.members, err = membership.New(raftHandler{d.node}, membership.Config{
		NodeName: d.conf.NodeID, BindAddr: d.conf.BindAddr, RaftAddr: d.conf.BindAddr,
		StartJoinAddrs: d.conf.StartJoinAddrs,
	})
	if err != nil {
		d.logger.Warn("gossip membership disabled", zap.Error(err))
	}

	discoveryCtx, cancelDiscovery := context.WithCancel(ctx)
	go d.disc.Run(discoveryCtx)

	d.stop = make(chan struct{})
	go d.api.RunMetricsRefresh(d.prom, 15*time.Second, d.stop)

	go func() {
		if err := fasthttp.Serve(httpLn, d.api.Handler); err != nil {
			d.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := d.mux.Serve(); err != nil {
			d.logger.Error("cmux stopped", zap.Error(err))
		}
	}()

	d.logger.Info("conregd started", zap.String("id", d.conf.NodeID), zap.String("addr", d.conf.BindAddr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	d.logger.Info("shutting down")
	cancelDiscovery()
	close(d.stop)
	if d.members != nil {
		_ = d.members.Leave()
	}
	_ = d.node.Shutdown()
	_ = d.c.Close()
	return nil
}

// raftHandler adapts *cluster.Node to membership.Handler.
type raftHandler struct{ node *cluster.Node }

func (h raftHandler) AddLearner(id, addr string) error { return h.node.AddLearner(id, addr) }
func (h raftHandler) RemoveServer(id string) error     { return h.node.RemoveServer(id) }
