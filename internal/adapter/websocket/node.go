package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/centrifugal/centrifuge"
	goredis "github.com/redis/go-redis/v9"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
)

// NewNode creates a centrifuge node where every connection is anonymous
// and is subscribed server-side to the broadcast channel.
func NewNode(channel string, wsMetrics *metrics.WebSocketMetrics, logLevel string) (*centrifuge.Node, error) {
	conf := centrifuge.Config{LogLevel: parseCentrifugeLogLevel(logLevel), LogHandler: slogHandler}
	node, err := centrifuge.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	node.OnConnecting(onConnecting(channel))
	node.OnConnect(onConnect(channel, wsMetrics))

	return node, nil
}

func onConnecting(channel string) func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
	return func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
		reply := centrifuge.ConnectReply{
			Credentials: &centrifuge.Credentials{UserID: ""},
			Subscriptions: map[string]centrifuge.SubscribeOptions{
				channel: {EnableRecovery: true},
			},
		}
		return reply, nil
	}
}

func onConnect(channel string, wsMetrics *metrics.WebSocketMetrics) func(client *centrifuge.Client) {
	return func(client *centrifuge.Client) {
		slog.Debug("Client connected", "client_id", client.ID(), "transport", client.Transport().Name())
		wsMetrics.ActiveConnections.Inc()

		client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
			if e.Channel != channel {
				cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
				return
			}
			cb(centrifuge.SubscribeReply{Options: centrifuge.SubscribeOptions{EnableRecovery: true}}, nil)
		})

		client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
			slog.Debug("Client disconnected", "client_id", client.ID(), "reason", e.Reason)
			wsMetrics.ActiveConnections.Dec()
		})
	}
}

// NewHandler wraps the node in a websocket HTTP handler.
func NewHandler(node *centrifuge.Node, checkOrigin func(r *http.Request) bool) http.Handler {
	return centrifuge.NewWebsocketHandler(node, centrifuge.WebsocketConfig{CheckOrigin: checkOrigin})
}

// SetupRedis switches the node to a Redis broker so that every instance
// delivers every published reading to its own subscribers.
func SetupRedis(node *centrifuge.Node, opts *goredis.Options) error {
	shard, err := centrifuge.NewRedisShard(node, centrifuge.RedisShardConfig{
		Address:  opts.Addr,
		User:     opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err != nil {
		return fmt.Errorf("create redis shard: %w", err)
	}

	broker, err := centrifuge.NewRedisBroker(node, centrifuge.RedisBrokerConfig{
		Prefix: "urbanpulse",
		Shards: []*centrifuge.RedisShard{shard},
	})
	if err != nil {
		return fmt.Errorf("create redis broker: %w", err)
	}
	node.SetBroker(broker)

	return nil
}

func slogHandler(entry centrifuge.LogEntry) {
	attrs := make([]any, 0, len(entry.Fields)*2+2)
	attrs = append(attrs, "component", "centrifuge")
	for k, v := range entry.Fields {
		attrs = append(attrs, k, v)
	}
	switch entry.Level {
	case centrifuge.LogLevelTrace, centrifuge.LogLevelDebug:
		slog.Debug(entry.Message, attrs...)
	case centrifuge.LogLevelInfo:
		slog.Info(entry.Message, attrs...)
	case centrifuge.LogLevelWarn:
		slog.Warn(entry.Message, attrs...)
	case centrifuge.LogLevelError:
		slog.Error(entry.Message, attrs...)
	case centrifuge.LogLevelNone:
		// EMPTY
	}
}

func parseCentrifugeLogLevel(level string) centrifuge.LogLevel {
	switch level {
	case "debug":
		return centrifuge.LogLevelDebug
	case "warn":
		return centrifuge.LogLevelWarn
	case "error":
		return centrifuge.LogLevelError
	default:
		return centrifuge.LogLevelInfo
	}
}
