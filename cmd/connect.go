package cmd

import (
	"context"
	"errors"
	goio "io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/engine"
	"github.com/apernet/ovpnkit/io"
	"github.com/apernet/ovpnkit/push"
	"github.com/apernet/ovpnkit/ruleset"
	"github.com/apernet/ovpnkit/session"
	"github.com/apernet/ovpnkit/strategy"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const appReplayRealtimeEnv = "OVPNKIT_REPLAY_REALTIME"

var connectCmd = &cobra.Command{
	Use:   "connect [flags] profile",
	Short: "Connect to the server of an OpenVPN profile",
	Args:  cobra.ExactArgs(1),
	Run:   runConnect,
}

type cliConfig struct {
	Engine      cliConfigEngine      `mapstructure:"engine"`
	Resolver    cliConfigResolver    `mapstructure:"resolver"`
	TLS         cliConfigTLS         `mapstructure:"tls"`
	Credentials cliConfigCredentials `mapstructure:"credentials"`
	PullFilter  cliConfigPullFilter  `mapstructure:"pullFilter"`
	Capture     cliConfigCapture     `mapstructure:"capture"`
	Replay      cliConfigReplay      `mapstructure:"replay"`
}

type cliConfigEngine struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
	QueueSize    int           `mapstructure:"queueSize"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
	Cycle        bool          `mapstructure:"cycle"`
	RetryDelay   time.Duration `mapstructure:"retryDelay"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
}

type cliConfigResolver struct {
	Servers   []string `mapstructure:"servers"`
	CacheSize int      `mapstructure:"cacheSize"`
}

type cliConfigTLS struct {
	ClientHello string            `mapstructure:"clientHello"`
	PeerInfo    map[string]string `mapstructure:"peerInfo"`
}

type cliConfigCredentials struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type cliConfigPullFilter struct {
	Rules string `mapstructure:"rules"`
}

type cliConfigCapture struct {
	File string `mapstructure:"file"`
}

type cliConfigReplay struct {
	File     string `mapstructure:"file"`
	Realtime bool   `mapstructure:"realtime"`
}

func (c *cliConfig) fillLogger(config *engine.Config) error {
	config.Logger = &engineLogger{}
	return nil
}

func (c *cliConfig) fillEngine(config *engine.Config) error {
	if c.Engine.QueueSize < 0 {
		return configError{Field: "engine.queueSize", Err: errors.New("must not be negative")}
	}
	if c.Engine.MaxAttempts < 0 {
		return configError{Field: "engine.maxAttempts", Err: errors.New("must not be negative")}
	}
	config.TickInterval = c.Engine.TickInterval
	config.QueueSize = c.Engine.QueueSize
	config.MaxAttempts = c.Engine.MaxAttempts
	config.Cycle = c.Engine.Cycle
	config.RetryDelay = c.Engine.RetryDelay
	config.Dialer = &io.Dialer{Timeout: c.Engine.DialTimeout}
	return nil
}

func (c *cliConfig) fillResolver(config *engine.Config) error {
	r, err := strategy.NewResolver(c.Resolver.Servers, c.Resolver.CacheSize)
	if err != nil {
		return configError{Field: "resolver", Err: err}
	}
	config.Resolver = r
	return nil
}

func (c *cliConfig) fillTLS(config *engine.Config) error {
	config.ClientHello = c.TLS.ClientHello
	config.PeerInfo = c.TLS.PeerInfo
	return nil
}

func (c *cliConfig) fillCredentials(config *engine.Config) error {
	if !config.Profile.AuthUserPass {
		return nil
	}
	if c.Credentials.Username == "" {
		return configError{Field: "credentials.username", Err: errors.New("the profile requires auth-user-pass")}
	}
	config.Credentials = &session.Credentials{
		Username: c.Credentials.Username,
		Password: c.Credentials.Password,
	}
	return nil
}

func (c *cliConfig) fillCapture(config *engine.Config) error {
	if c.Capture.File == "" {
		return nil
	}
	capture, err := io.CreateCapture(c.Capture.File)
	if err != nil {
		return configError{Field: "capture.file", Err: err}
	}
	config.Capture = capture
	return nil
}

// Config validates the fields and returns a ready-to-use engine config.
// This does not include the ruleset and the tunnel.
func (c *cliConfig) Config(profile *config.Configuration) (*engine.Config, error) {
	engineConfig := &engine.Config{
		Profile: profile,
		Rand:    newRand(),
	}
	fillers := []func(*engine.Config) error{
		c.fillLogger,
		c.fillEngine,
		c.fillResolver,
		c.fillTLS,
		c.fillCredentials,
		c.fillCapture,
	}
	for _, f := range fillers {
		if err := f(engineConfig); err != nil {
			return nil, err
		}
	}
	return engineConfig, nil
}

func readConfig() (*cliConfig, error) {
	viper.SetDefault("replay.realtime", envOrDefaultBool(appReplayRealtimeEnv, true))
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// The config file is optional unless named explicitly
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	var config cliConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func runConnect(cmd *cobra.Command, args []string) {
	// Config
	config, err := readConfig()
	if err != nil {
		logger.Fatal("failed to read config", zap.Error(err))
	}
	profile := loadProfile(args[0])
	engineConfig, err := config.Config(profile)
	if err != nil {
		logger.Fatal("failed to parse config", zap.Error(err))
	}
	defer func() {
		if engineConfig.Capture != nil {
			_ = engineConfig.Capture.Close()
		}
	}()

	// Ruleset
	rsConfig := &ruleset.BuiltinConfig{
		Logger: &rulesetLogger{},
	}
	rs, err := ruleset.Load(config.PullFilter.Rules, profile.PullFilters, rsConfig)
	if err != nil {
		logger.Fatal("failed to load rules", zap.Error(err))
	}
	engineConfig.Ruleset = rs

	tunnel := newCLITunnel()
	engineConfig.Tunnel = tunnel

	// Engine
	en, err := engine.NewEngine(*engineConfig)
	if err != nil {
		logger.Fatal("failed to initialize engine", zap.Error(err))
	}

	// Signal handling
	ctx, cancelFunc := context.WithCancel(context.Background())
	go func() {
		// Graceful shutdown
		shutdownChan := make(chan os.Signal, 1)
		signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
		<-shutdownChan
		logger.Info("shutting down gracefully...")
		cancelFunc()
	}()
	if config.PullFilter.Rules != "" {
		loader := ruleset.NewSignalRuleSetLoader(config.PullFilter.Rules, profile.PullFilters, en.UpdateRuleset, rsConfig, logger)
		if err := loader.Start(); err != nil {
			logger.Fatal("failed to start rule loader", zap.Error(err))
		}
		defer loader.Stop()
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return en.Run(gCtx)
	})
	if config.Replay.File != "" {
		src, err := io.NewPcapSource(io.PcapSourceConfig{
			PcapFile: config.Replay.File,
			Realtime: config.Replay.Realtime,
		})
		if err != nil {
			logger.Fatal("failed to open replay file", zap.Error(err))
		}
		defer src.Close()
		g.Go(func() error {
			return replay(gCtx, src, en, tunnel)
		})
	}

	logger.Info("engine started", zap.String("profile", args[0]))
	if err := g.Wait(); err != nil {
		logger.Error("engine exited", zap.Error(err))
		return
	}
	logger.Info("engine exited", zap.Uint64("received", tunnel.received.Load()))
}

func loadProfile(path string) *config.Configuration {
	result, err := config.ParseFile(path)
	if err != nil {
		logger.Fatal("failed to parse profile", zap.String("file", path), zap.Error(err))
	}
	if result.Warning != nil {
		logger.Warn("profile warning", zap.String("file", path), zap.Error(result.Warning))
	}
	if len(result.Ignored) > 0 {
		logger.Debug("ignored profile directives", zap.Strings("directives", result.Ignored))
	}
	return &result.Configuration
}

// replay sends the packets of a capture file through the tunnel once it
// is established.
func replay(ctx context.Context, src *io.PcapSource, en engine.Engine, tunnel *cliTunnel) error {
	select {
	case <-ctx.Done():
		return nil
	case <-tunnel.established:
	}
	done := make(chan struct{})
	var sent atomic.Uint64
	err := src.Register(ctx, func(p io.Packet, err error) bool {
		if err != nil {
			if !errors.Is(err, goio.EOF) {
				logger.Error("replay error", zap.Error(err))
			}
			close(done)
			return false
		}
		if err := en.Send([][]byte{p.Data()}); err != nil {
			logger.Debug("replay packet not sent", zap.Error(err))
			return true
		}
		sent.Add(1)
		return true
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-done:
		logger.Info("replay finished", zap.Uint64("sent", sent.Load()))
	}
	return nil
}

// cliTunnel has no network interface behind it: it counts what arrives
// and lets replay start once the tunnel is up.
type cliTunnel struct {
	once        sync.Once
	established chan struct{}
	received    atomic.Uint64
}

func newCLITunnel() *cliTunnel {
	return &cliTunnel{established: make(chan struct{})}
}

func (t *cliTunnel) Established(reply *push.PushReply) {
	t.once.Do(func() {
		close(t.established)
	})
}

func (t *cliTunnel) Receive(packets [][]byte) {
	t.received.Add(uint64(len(packets)))
}
