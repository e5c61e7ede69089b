// Package mqttclient mirrors pipeline events to an MQTT broker so external
// displays and overlays can render them.
package mqttclient

import (
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/events"
)

// retained event types describe current state rather than a moment in time,
// so late subscribers should receive the last value.
var retained = map[string]bool{
	events.TypeStatus:  true,
	events.TypeBackend: true,
}

type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	dropped   atomic.Int64
	log       zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: strings.TrimRight(opts.TopicPrefix, "/"),
		log:    opts.Log.With().Str("component", "mqtt").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Mirror publishes e to <prefix>/<type>. It never blocks: events raised
// while disconnected are counted and dropped.
func (c *Client) Mirror(e events.Event) {
	if !c.connected.Load() {
		c.dropped.Add(1)
		return
	}
	token := c.conn.Publish(topicFor(c.prefix, e.Type), 0, retained[e.Type], []byte(e.Data))
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			c.log.Debug().Str("type", e.Type).Msg("mqtt publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("type", e.Type).Msg("mqtt publish failed")
		}
	}()
}

// Dropped returns how many events were skipped while disconnected.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

func topicFor(prefix, typ string) string {
	if prefix == "" {
		return typ
	}
	return prefix + "/" + typ
}
