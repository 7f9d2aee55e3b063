package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/config"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/metrics"
	"github.com/getmockd/lime/pkg/server"
	limetls "github.com/getmockd/lime/pkg/tls"
	"github.com/getmockd/lime/pkg/transport"
	"github.com/getmockd/lime/pkg/transport/mqtt"
	"github.com/getmockd/lime/pkg/transport/quic"
	"github.com/getmockd/lime/pkg/transport/tcp"
	"github.com/getmockd/lime/pkg/transport/websocket"
)

var (
	serveNode        string
	serveTCP         string
	serveWebSocket   string
	serveQUIC        string
	serveMQTT        string
	serveEmbedBroker string
	serveTLS         bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept LIME sessions and echo the messages they send",
	Long: `serve accepts sessions on the TCP, WebSocket, QUIC and MQTT listeners
enabled in the config file or by flags. Every message is acknowledged with a
received notification and sent back to its sender. Pings are answered and
finishing sessions are closed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyServeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, cfg.Logging.Logger())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveNode, "node", "", "Server node, name@domain/instance")
	serveCmd.Flags().StringVar(&serveTCP, "tcp", "", "Listen for TCP sessions on this address")
	serveCmd.Flags().StringVar(&serveWebSocket, "ws", "", "Listen for WebSocket sessions on this address")
	serveCmd.Flags().StringVar(&serveQUIC, "quic", "", "Listen for QUIC sessions on this UDP address (needs --tls)")
	serveCmd.Flags().StringVar(&serveMQTT, "mqtt", "", "Accept sessions through this MQTT broker uri")
	serveCmd.Flags().StringVar(&serveEmbedBroker, "embed-broker", "", "Run an MQTT broker on this address")
	serveCmd.Flags().BoolVar(&serveTLS, "tls", false, "Offer TLS, generating a certificate when none exists")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("node") {
		cfg.Server.Node = serveNode
	}
	if flags.Changed("tcp") {
		cfg.Server.TCP = config.TCPConfig{Enabled: serveTCP != "", Address: serveTCP}
	}
	if flags.Changed("ws") {
		cfg.Server.WebSocket.Enabled = serveWebSocket != ""
		cfg.Server.WebSocket.Address = serveWebSocket
	}
	if flags.Changed("quic") {
		cfg.Server.QUIC = config.QUICConfig{Enabled: serveQUIC != "", Address: serveQUIC}
	}
	if flags.Changed("mqtt") {
		cfg.Server.MQTT.Enabled = serveMQTT != ""
		cfg.Server.MQTT.Broker = serveMQTT
	}
	if flags.Changed("embed-broker") {
		cfg.Server.MQTT.Embed = serveEmbedBroker
	}
	if flags.Changed("tls") {
		cfg.Server.TLS.Enabled = serveTLS
	}
}

// runServer serves until ctx is done.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	node, err := cfg.Server.LocalNode()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Address != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Address, reg, logger)
		defer stopMetrics()
	}

	if cfg.Server.MQTT.Embed != "" {
		broker := mqtt.NewBroker(cfg.Server.MQTT.Embed, mqtt.WithBrokerLogger(logger))
		if err := broker.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = broker.Close() }()
	}

	listeners, err := buildListeners(cfg.Server, logger)
	if err != nil {
		return err
	}
	authenticator, err := buildAuthenticator(cfg.Server.Auth)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithAuthenticator(authenticator),
		server.WithHandler(echoHandler(logger)),
		server.WithChannelOptions(cfg.Channel.Options()...),
		server.WithHandshakeTimeout(cfg.Server.HandshakeTimeout.D()),
		server.WithLogger(logger),
		server.WithMetrics(m),
	}
	for _, l := range listeners {
		opts = append(opts, server.WithListener(l))
	}
	return server.New(node, opts...).Serve(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", logging.KeyError, err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// buildListeners returns the enabled listeners. TLS certificates are
// loaded, or generated and saved, when TLS is enabled.
func buildListeners(c config.ServerConfig, logger *slog.Logger) ([]transport.Listener, error) {
	var tlsConfig *tls.Config
	if c.TLS.Enabled {
		var err error
		if tlsConfig, err = serverTLSConfig(c.TLS); err != nil {
			return nil, err
		}
	}

	var listeners []transport.Listener
	if c.TCP.Enabled {
		listeners = append(listeners, tcp.NewListener(c.TCP.Address, tlsConfig, tcp.WithLogger(logger)))
	}
	if c.WebSocket.Enabled {
		listeners = append(listeners, websocket.NewListener(c.WebSocket.Address, tlsConfig,
			websocket.WithPath(c.WebSocket.Path), websocket.WithLogger(logger)))
	}
	if c.QUIC.Enabled {
		if tlsConfig == nil {
			return nil, errors.New("quic listener requires tls")
		}
		listeners = append(listeners, quic.NewListener(c.QUIC.Address, tlsConfig, quic.WithLogger(logger)))
	}
	if c.MQTT.Enabled {
		uri, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			return nil, fmt.Errorf("parsing mqtt broker uri: %w", err)
		}
		listeners = append(listeners, mqtt.NewListener(uri, mqtt.WithLogger(logger)))
	}
	if len(listeners) == 0 {
		return nil, errors.New("no listeners enabled")
	}
	return listeners, nil
}

// serverTLSConfig loads an existing key pair of any key type. When neither
// file exists a certificate for the configured hosts is generated first.
func serverTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	_, certErr := os.Stat(c.CertFile)
	_, keyErr := os.Stat(c.KeyFile)
	if certErr == nil && keyErr == nil {
		return limetls.ServerConfigFromFiles(c.CertFile, c.KeyFile)
	}

	certCfg := limetls.DefaultCertificateConfig()
	if len(c.Hosts) > 0 {
		certCfg.Hosts = c.Hosts
	}
	cert, err := limetls.LoadOrGenerate(certCfg, c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	return cert.ServerConfig(), nil
}

// buildAuthenticator combines the configured schemes.
func buildAuthenticator(c config.AuthConfig) (server.Authenticator, error) {
	if len(c.Schemes) == 0 {
		return server.GuestAuthenticator{}, nil
	}
	var authenticators []server.Authenticator
	for _, scheme := range c.Schemes {
		switch scheme {
		case config.AuthGuest:
			authenticators = append(authenticators, server.GuestAuthenticator{})
		case config.AuthPlain:
			authenticators = append(authenticators, server.NewPlainAuthenticator(c.Users))
		case config.AuthJWT:
			authenticators = append(authenticators, server.NewJWTAuthenticator([]byte(c.JWTSecret), c.JWTIssuer))
		default:
			return nil, fmt.Errorf("unknown authentication scheme %q", scheme)
		}
	}
	return server.NewSchemeAuthenticator(authenticators...), nil
}

// echoHandler acknowledges every message and sends it back to its sender.
// Commands other than pings are refused.
func echoHandler(logger *slog.Logger) server.ChannelHandler {
	return server.ChannelHandlerFunc(func(ctx context.Context, ch *channel.Channel) {
		log := logger.With(logging.KeySessionID, ch.SessionID())
		go drainNotifications(ctx, ch)
		go refuseCommands(ctx, ch, log)

		for {
			m, err := ch.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			log.Debug("message received", logging.KeyEnvelopeID, m.ID, "type", m.Type)
			if m.ID != "" {
				if err := ch.SendNotification(ctx, m.Notify(envelope.EventReceived)); err != nil {
					log.Warn("sending notification", logging.KeyError, err)
				}
			}

			echo := m.Clone()
			echo.ID = envelope.NewID()
			echo.From = nil
			echo.To = m.Sender().Clone()
			echo.Pp = nil
			if err := ch.SendMessage(ctx, echo); err != nil {
				log.Warn("echoing message", logging.KeyError, err)
			}
		}
	})
}

func drainNotifications(ctx context.Context, ch *channel.Channel) {
	for {
		if _, err := ch.ReceiveNotification(ctx); err != nil {
			return
		}
	}
}

func refuseCommands(ctx context.Context, ch *channel.Channel, log *slog.Logger) {
	for {
		cmd, err := ch.ReceiveCommand(ctx)
		if err != nil {
			return
		}
		if cmd.IsResponse() || cmd.ID == "" {
			continue
		}
		reply := cmd.FailureResponse(&envelope.Reason{
			Code:        envelope.ReasonCommandResourceNotSupported,
			Description: "resource not supported",
		})
		if err := ch.SendCommand(ctx, reply); err != nil {
			log.Warn("refusing command", logging.KeyError, err)
		}
	}
}
