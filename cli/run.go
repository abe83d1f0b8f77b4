package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/dispatch"
	"github.com/smallnest/wegram/gateway"
	"github.com/smallnest/wegram/ingress"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/mapper"
	"github.com/smallnest/wegram/media"
	"github.com/smallnest/wegram/relay"
	"github.com/smallnest/wegram/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runWatch bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay",
	RunE:  runRelay,
}

func init() {
	runCmd.Flags().BoolVar(&runWatch, "watch", true, "Reload log level and bindings when the config file changes")
	rootCmd.AddCommand(runCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer st.Close()

	tg, err := channels.NewTelegramChannel(cfg.Telegram)
	if err != nil {
		return err
	}
	if cfg.Telegram.Webhook.Enabled {
		if err := tg.SetWebhook(cfg.Telegram.Webhook.PublicURL()); err != nil {
			return fmt.Errorf("register telegram webhook: %w", err)
		}
	} else if cfg.Polling.Telegram {
		// 残留的 webhook 会让 getUpdates 一直失败
		if err := tg.DeleteWebhook(); err != nil {
			logger.Warn("Failed to clear telegram webhook", zap.Error(err))
		}
	}
	wx := channels.NewWeChatChannel(cfg.WeChat)
	mgr := channels.NewManager()
	for _, ch := range []channels.Channel{tg, wx} {
		if err := mgr.Register(ch); err != nil {
			return err
		}
	}

	var provisioner mapper.Provisioner = mapper.RejectProvisioner{}
	if len(cfg.Telegram.ChatPool) > 0 {
		provisioner = mapper.NewPoolProvisioner(st.mappings, cfg.Telegram.ChatPool)
	}
	chatMapper := mapper.New(st.mappings, provisioner)
	if err := chatMapper.ApplyBindings(ctx, cfg.Bindings); err != nil {
		logger.Warn("Some static bindings were not applied", zap.Error(err))
	}

	transcoder := media.New(media.Options{
		FFmpeg:      cfg.Media.FFmpeg,
		SilkDecoder: cfg.Media.SilkDecoder,
		SilkEncoder: cfg.Media.SilkEncoder,
		Workers:     cfg.Media.Workers,
		Timeout:     cfg.Media.Timeout,
		TmpDir:      cfg.Media.TmpDir,
	}, nil)

	r := relay.New(relay.Options{
		Lang:        cfg.Lang,
		OwnerChatID: cfg.Telegram.OwnerChatID,
		HardFail:    cfg.Media.HardFail,
		Retention:   cfg.Store.Retention,
		Dispatch:    dispatch.OptionsFromConfig(cfg.Dispatch, cfg.Telegram),
	}, relay.Deps{
		Channels:    mgr,
		Mapper:      chatMapper,
		Gate:        store.NewGate(st.forward),
		Links:       st.links,
		DeadLetters: st.dead,
		Transcoder:  transcoder,
		Bus:         bus.NewMessageBus(cfg.Dispatch.QueueSize),
	})

	comps := components(cfg, r, tg, wx, st.cursors)
	maint, err := newMaintenance(cfg.Maintenance, maintenanceTasks{trim: r.Trim, heartbeat: r.Heartbeat})
	if err != nil {
		return err
	}
	if err := r.Start(ctx, append(comps, maint.sched)...); err != nil {
		return err
	}
	maint.kickoff(ctx)

	if runWatch {
		w, err := config.Watch(cfgFile, func(old, cur *config.Config) {
			reload(ctx, chatMapper, maint, old, cur)
		}, func(err error) {
			logger.Warn("Config reload rejected", zap.Error(err))
		})
		if err != nil {
			logger.Info("Config hot reload disabled", zap.Error(err))
		} else {
			logger.Info("Watching config file", zap.String("file", w.File()))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case <-r.Done():
		logger.Error("A relay component exited", zap.Error(r.Err()))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeout)
	defer cancel()
	stopErr := r.Stop(drainCtx)
	return errors.Join(r.Err(), stopErr)
}

// components 按配置组装入口
func components(cfg *config.Config, r *relay.Relay, tg *channels.TelegramChannel, wx *channels.WeChatChannel, cursors store.CursorStore) []relay.Component {
	var comps []relay.Component

	if cfg.Callback.Enabled {
		srv := gateway.NewServer(cfg.Callback, cfg.WeChat, r)
		if cfg.Telegram.Webhook.Enabled {
			srv.WithTelegramWebhook(cfg.Telegram.Webhook.MountPath(), tg)
		}
		comps = append(comps, srv)
	}
	if cfg.Polling.Telegram {
		comps = append(comps, ingress.NewPoller(ingress.NewTelegramSource(tg), r, cursors, cfg.Polling.Interval))
	}
	if cfg.Polling.WeChatSync {
		comps = append(comps, ingress.NewPoller(ingress.NewWeChatSyncSource(wx), r, cursors, cfg.Polling.Interval))
	}
	if cfg.Stream.Enabled {
		comps = append(comps, ingress.NewStream(cfg.Stream, cfg.WeChat.WXID, r))
	}
	if cfg.RabbitMQ.Enabled {
		comps = append(comps, ingress.NewQueue(cfg.RabbitMQ, cfg.WeChat.WXID, r))
	}
	return comps
}

// reload 应用可热加载的配置项
func reload(ctx context.Context, m *mapper.Mapper, maint *maintenance, old, cur *config.Config) {
	if old.Log.Level != cur.Log.Level {
		logger.SetLevel(cur.Log.Level)
		logger.Info("Log level changed", zap.String("level", logger.Level()))
	}
	if !reflect.DeepEqual(old.Bindings, cur.Bindings) {
		if err := m.ApplyBindings(ctx, cur.Bindings); err != nil {
			logger.Warn("Some static bindings were not applied", zap.Error(err))
		} else {
			logger.Info("Static bindings reloaded", zap.Int("count", len(cur.Bindings)))
		}
	}
	if old.Maintenance != cur.Maintenance {
		if err := maint.apply(cur.Maintenance); err != nil {
			logger.Warn("Maintenance schedule not reloaded", zap.Error(err))
		} else {
			logger.Info("Maintenance schedule reloaded",
				zap.String("trim", cur.Maintenance.TrimSchedule),
				zap.String("heartbeat", cur.Maintenance.HeartbeatSchedule))
		}
	}
}
