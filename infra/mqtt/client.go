package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config is the broker connection of the engine.
type Config struct {
	Broker   string          `json:"broker"`
	ClientID string          `json:"client_id"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	TLS      TLSFiles        `json:"tls"`
	QoS      map[string]byte `json:"qos"`

	// StatusTopic, when set, carries the retained availability of the
	// engine: "online" after each connect, "offline" on Close or as the
	// broker-published will when the connection drops.
	StatusTopic string `json:"status_topic"`

	MaxRetries int `json:"max_retries"`
	BackoffMS  int `json:"backoff_ms"`
}

// TLSFiles points at PEM files. CAFile defaults to the system roots and the
// client key pair is only needed by brokers that authenticate by certificate.
type TLSFiles struct {
	Enabled  bool   `json:"enabled"`
	CAFile   string `json:"ca_file"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// QoS keys.
const (
	QoSPublish   = "publish"
	QoSSubscribe = "subscribe"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

func (c Config) qos(key string) byte {
	if q, ok := c.QoS[key]; ok && q <= 2 {
		return q
	}
	return 0
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// clientOptions maps cfg onto paho options. Connection callbacks are left to
// the bus.
func clientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false) // handlers publish and wait for acks
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.load()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.StatusTopic != "" {
		opts.SetWill(cfg.StatusTopic, statusOffline, cfg.qos(QoSPublish), true)
	}
	return opts, nil
}

func (f TLSFiles) load() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if f.CAFile != "" {
		pem, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt tls: %w", err)
		}
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mqtt tls: no certificates in %s", f.CAFile)
		}
	}
	switch {
	case f.CertFile == "" && f.KeyFile == "":
	case f.CertFile == "" || f.KeyFile == "":
		return nil, fmt.Errorf("mqtt tls: cert_file and key_file go together")
	default:
		pair, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt tls: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
