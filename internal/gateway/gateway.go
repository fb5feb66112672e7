package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/keepsake/internal/api"
	"github.com/stellarlinkco/keepsake/internal/bus"
	"github.com/stellarlinkco/keepsake/internal/channel"
	"github.com/stellarlinkco/keepsake/internal/chat"
	"github.com/stellarlinkco/keepsake/internal/companion"
	"github.com/stellarlinkco/keepsake/internal/config"
	"github.com/stellarlinkco/keepsake/internal/cron"
	"github.com/stellarlinkco/keepsake/internal/llm"
	"github.com/stellarlinkco/keepsake/internal/persona"
	"github.com/stellarlinkco/keepsake/internal/store"
)

const Version = "0.1.0"

// GeneratorFactory builds the model client. Tests swap in fakes.
type GeneratorFactory func(cfg *config.Config) (llm.Generator, error)

type Options struct {
	GeneratorFactory GeneratorFactory
	Embedder         llm.Embedder
	Logger           *log.Logger
	Now              func() time.Time
	SignalChan       chan os.Signal
}

// DefaultGeneratorFactory talks to the configured provider.
func DefaultGeneratorFactory(cfg *config.Config) (llm.Generator, error) {
	if cfg.Provider.APIKey == "" {
		return nil, errors.New("API key not set. Run 'keepsake onboard' or set KEEPSAKE_API_KEY / OPENAI_API_KEY")
	}
	temp := cfg.Models.Temperature
	return llm.NewProviderGenerator(llm.ProviderConfig{
		Type:        cfg.Provider.Type,
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Model:       cfg.Models.Economy,
		MaxTokens:   cfg.Models.MaxTokens,
		Temperature: &temp,
	}), nil
}

// NewEmbedder returns nil when embeddings are off or no OpenAI-compatible key is set.
func NewEmbedder(cfg *config.Config, logger *log.Logger) llm.Embedder {
	if !cfg.Embedding.Enabled {
		return nil
	}
	base := cfg.Embedding.BaseURL
	if base == "" && cfg.Provider.Type != llm.ProviderAnthropic {
		base = cfg.Provider.BaseURL
	}
	e, err := llm.NewOpenAIEmbedder(llm.EmbedderConfig{
		APIKey:  cfg.EmbeddingKey(),
		BaseURL: base,
		Model:   cfg.Embedding.Model,
		Timeout: time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		logger.Warn("embeddings disabled", "err", err)
		return nil
	}
	return e
}

// Core is the chat service and the store behind it.
type Core struct {
	Store   *store.Store
	Service *chat.Service
}

func (c *Core) Close() error { return c.Store.Close() }

// OpenCore opens the store and builds the chat service from cfg.
func OpenCore(cfg *config.Config, opts Options) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	factory := opts.GeneratorFactory
	if factory == nil {
		factory = DefaultGeneratorFactory
	}
	gen, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if opts.Now != nil {
		storeOpts = append(storeOpts, store.WithClock(opts.Now))
	}
	st, err := store.Open(cfg.Store.DBPath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	embedder := opts.Embedder
	if embedder == nil {
		embedder = NewEmbedder(cfg, logger)
	}
	call, chunk := cfg.Generation.Timeouts()
	svc := chat.NewService(st, gen, embedder, persona.Load(cfg.Prompts.Dir, logger), chat.Options{
		Models:        companion.ModelSet{Economy: cfg.Models.Economy, Premium: cfg.Models.Premium},
		Temperature:   cfg.Models.Temperature,
		MaxTokens:     cfg.Models.MaxTokens,
		HistoryWindow: cfg.Models.HistoryWindow,
		CallTimeout:   call,
		ChunkTimeout:  chunk,
		Logger:        logger,
		Now:           opts.Now,
	})
	return &Core{Store: st, Service: svc}, nil
}

// Gateway runs every long-lived part: HTTP API, chat channels, the background
// worker and maintenance jobs.
type Gateway struct {
	cfg      *config.Config
	logger   *log.Logger
	now      func() time.Time
	core     *Core
	worker   *chat.Worker
	bus      *bus.MessageBus
	channels *channel.ChannelManager
	cron     *cron.Service
	api      *api.Server
	sessions *sessions

	signalChan chan os.Signal
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	opts.Logger = logger

	core, err := OpenCore(cfg, opts)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     logger.WithPrefix("gateway"),
		now:        opts.Now,
		core:       core,
		sessions:   newSessions(),
		signalChan: opts.SignalChan,
	}
	if g.now == nil {
		g.now = time.Now
	}

	g.worker = chat.NewWorker(core.Service, chat.WorkerOptions{
		PollInterval: cfg.Background.Interval(),
		MaxAttempts:  cfg.Background.MaxAttempts,
	})

	g.bus = bus.NewMessageBus(config.DefaultBufSize)
	g.bus.SetLogger(logger)

	g.cron = cron.NewService(filepath.Join(filepath.Dir(cfg.Store.DBPath), "cron", "jobs.json"), logger)
	g.cron.OnJob = g.runMaintenance

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, logger)
	if err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.api = api.NewServer(core.Service, api.Options{
		CORSOrigins: cfg.Gateway.CORSOrigins,
		Logger:      logger,
		Version:     Version,
	})

	return g, nil
}

func (g *Gateway) addr() string {
	return net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", "channels", g.channels.EnabledChannels())

	if err := g.ensureMaintenanceJobs(); err != nil {
		g.logger.Warn("ensure maintenance jobs", "err", err)
	}
	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start", "err", err)
	}

	g.worker.Start(ctx)

	go g.processLoop(ctx)

	apiErr := make(chan error, 1)
	go func() { apiErr <- g.api.Serve(ctx, g.addr()) }()

	g.logger.Info("running", "addr", g.addr(), "version", Version)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	served := false
	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-apiErr:
		served = true
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	g.logger.Info("shutting down")
	cancel()
	if !served {
		// in-flight requests still use the store
		if err := <-apiErr; err != nil {
			g.logger.Warn("http shutdown", "err", err)
		}
	}
	if err := g.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.logger.Debug("inbound", "channel", msg.Channel, "sender", msg.SenderID, "text", truncate(msg.Content, 80))
			reply := g.handleInbound(ctx, msg)
			if reply == "" {
				continue
			}
			select {
			case g.bus.Outbound <- bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) Shutdown() error {
	g.worker.Stop()
	g.cron.Stop()
	_ = g.channels.StopAll()
	if err := g.core.Close(); err != nil {
		g.logger.Warn("close store", "err", err)
	}
	g.logger.Info("shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
