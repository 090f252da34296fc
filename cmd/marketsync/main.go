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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"market-sync-go/infrastructure/logger"
	"market-sync-go/internal/container"
	"market-sync-go/sim"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "marketsync",
		Short:         "Real-time market data sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newWatchCmd(), newFeedSimCmd())
	return root
}

func newWatchCmd() *cobra.Command {
	var (
		cfgPath string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run snapshot+stream coordinators for every configured watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := container.New(cfgPath)
			if err != nil {
				return err
			}
			if err := c.Build(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := c.Start(ctx); err != nil {
				return err
			}

			if verbose {
				updates, cancel := c.Store().Watch(64)
				defer cancel()
				go func() {
					for v := range updates {
						price, _ := v.Price()
						bars := 0
						if v.Bars != nil {
							bars = v.Bars.Len()
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s %-8s %-10s price=%.2f bars=%d sub=%s conn=%s err=%q\n",
							v.UpdatedAt.Format(time.RFC3339), v.Consumer, v.Symbol, price, bars, v.Subscription, v.Connection, v.Error)
					}
				}()
			}

			<-ctx.Done()
			return c.Stop()
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "configs/config.yaml", "配置文件路径")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "打印每次状态变更")
	return cmd
}

func newFeedSimCmd() *cobra.Command {
	var (
		addr      string
		token     string
		tick      time.Duration
		faultRate float64
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "feedsim",
		Short: "Serve a random-walk snapshot/stream feed for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(logger.DefaultConfig())
			if err != nil {
				return err
			}
			defer log.Close()

			cfg := sim.DefaultFeedConfig()
			cfg.Token = token
			cfg.FaultRate = faultRate
			cfg.Seed = seed
			feed := sim.NewFeedServer(cfg, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go feed.Run(ctx, tick)

			srv := &http.Server{Addr: addr, Handler: feed.Handler(), ReadHeaderTimeout: 5 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				log.Info("feedsim listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "监听地址")
	cmd.Flags().StringVar(&token, "token", "", "要求客户端携带的 token")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "成交推送间隔")
	cmd.Flags().Float64Var(&faultRate, "fault-rate", 0, "注入畸形帧的概率")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "随机种子")
	return cmd
}
