package farm

import (
	"context"
	"fmt"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

// MQTTOptions describes a client of the farm's MQTT broker.
type MQTTOptions struct {
	ClientID string
	Username string
	Password string

	// Topics subscribed to on every (re)connection. Incoming messages are
	// dispatched through Router.
	Subscriptions []string
	Router        *paho.StandardRouter

	Logf   func(format string, args ...any)
	OnUp   func(cm *autopaho.ConnectionManager)
	OnDown func()
}

// UniqueClientID appends a random suffix, so that several copies of a tool
// can talk to the same broker.
func UniqueClientID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// ClientConfig builds an autopaho configuration for the broker at addr.
func ClientConfig(addr string, o MQTTOptions) (autopaho.ClientConfig, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("failed to parse MQTT address %q: %w", addr, err)
	}

	logf := o.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	down := func() {
		if o.OnDown != nil {
			o.OnDown()
		}
	}

	var onPublish []func(paho.PublishReceived) (bool, error)
	if o.Router != nil {
		onPublish = append(onPublish, func(pr paho.PublishReceived) (bool, error) {
			o.Router.Route(pr.Packet.Packet())
			return true, nil
		})
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		OnConnectError: func(err error) {
			logf("error whilst attempting connection: %s", err)
			down()
		},
		ClientConfig: paho.ClientConfig{
			ClientID:          o.ClientID,
			OnPublishReceived: onPublish,
			OnClientError: func(err error) {
				logf("client error: %s", err)
				down()
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					logf("server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					logf("server requested disconnect; reason code: %d", d.ReasonCode)
				}
				down()
			},
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connack *paho.Connack) {
			if len(o.Subscriptions) > 0 {
				var subscriptions []paho.SubscribeOptions
				for _, topic := range o.Subscriptions {
					subscriptions = append(subscriptions, paho.SubscribeOptions{Topic: topic})
				}
				if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{Subscriptions: subscriptions}); err != nil {
					logf("failed to subscribe to %v: %s", o.Subscriptions, err)
				}
			}
			if o.OnUp != nil {
				o.OnUp(cm)
			}
		},
	}
	if o.Username != "" {
		cfg.ConnectUsername = o.Username
		cfg.ConnectPassword = []byte(o.Password)
	}
	return cfg, nil
}
