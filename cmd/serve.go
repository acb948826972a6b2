package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/codexhelper/pkg/config"
	"github.com/lkarlslund/codexhelper/pkg/filter"
	"github.com/lkarlslund/codexhelper/pkg/lbstate"
	"github.com/lkarlslund/codexhelper/pkg/logutil"
	"github.com/lkarlslund/codexhelper/pkg/proxy"
	"github.com/lkarlslund/codexhelper/pkg/requestlog"
	"github.com/lkarlslund/codexhelper/pkg/usagedb"
	"github.com/lkarlslund/codexhelper/pkg/usageproviders"
)

var (
	serveConfigPath string
	serveService    string
	serveListenAddr string
	serveLogLevel   string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logutil.Configure(serveLogLevel); err != nil {
				return err
			}
			if serveService != config.ServiceCodex && serveService != config.ServiceClaude {
				return fmt.Errorf("service must be %q or %q", config.ServiceCodex, config.ServiceClaude)
			}
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}

			store := config.NewStore(serveConfigPath, cfg)
			states := lbstate.NewStore()
			usageDB := usagedb.NewStore(config.DefaultUsageDBDir())
			logWriter := requestlog.NewWriter(config.DefaultRequestLogPath(), requestlog.Options{
				MaxBytes:   cfg.RequestLog.MaxBytes,
				MaxFiles:   cfg.RequestLog.MaxFiles,
				OnlyErrors: cfg.RequestLog.OnlyErrors,
				SplitDebug: true,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine := usageproviders.NewEngine(store, states)
			srv := proxy.NewServer(serveService, store, proxy.Options{
				ListenAddr: serveListenAddr,
				BodyFilter: filter.Passthrough(),
				LogWriter:  logWriter,
				UsageDB:    usageDB,
				States:     states,
				AfterUserTurn: func(upstreamBaseURL string) {
					engine.PollForUpstream(ctx, upstreamBaseURL)
				},
			})

			if err := store.Watch(ctx); err != nil {
				log.Warn("config hot reload unavailable", "err", err)
			}
			go engine.Run(ctx)

			defer usageDB.Flush()
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveService, "service", config.ServiceCodex, "Service to front: codex or claude")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen-addr", "", "Override listen address (default 127.0.0.1:3211 codex, 127.0.0.1:3210 claude)")
	serveCmd.Flags().StringVar(&serveLogLevel, "loglevel", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}
