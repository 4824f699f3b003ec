package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/pkg/compression"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// Recommended TLS 1.2 cipher suites
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Message attribute headers
const (
	HeaderMessageID      = "X-Message-Id"
	HeaderConversationID = "X-Conversation-Id"
	HeaderFromParty      = "X-From-Party"
	HeaderToParty        = "X-To-Party"
	HeaderService        = "X-Service"
	HeaderAction         = "X-Action"
	HeaderAgreement      = "X-Agreement"
	HeaderMpc            = "X-Mpc"
)

// ClientConfig contains transport client configuration
type ClientConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration

	// DisableCompression turns off gzip compression of the payload.
	DisableCompression bool
}

// DefaultClientConfig returns a default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client delivers messages to partner endpoints over HTTPS
type Client struct {
	client     *http.Client
	compressor *compression.Compressor
	compress   bool
}

// NewClient creates a transport client
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		RootCAs:      config.RootCAs,
	}

	httpTransport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &Client{
		client: &http.Client{
			Transport: httpTransport,
			Timeout:   config.Timeout,
		},
		compressor: compression.NewCompressor(),
		compress:   !config.DisableCompression,
	}
}

// Send delivers the message to the endpoint. A nil error means the
// receiver acknowledged the message with a 2xx response.
func (c *Client) Send(ctx context.Context, endpoint string, msg *storage.Message) error {
	body := msg.Payload
	compressed := false
	if c.compress && len(body) > 0 {
		var err error
		body, err = c.compressor.Compress(msg.Payload)
		if err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", "go-gateway/1.0")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set(HeaderMessageID, msg.MessageID)
	req.Header.Set(HeaderFromParty, msg.FromPartyID)
	req.Header.Set(HeaderToParty, msg.ToPartyID)
	req.Header.Set(HeaderService, msg.Service)
	req.Header.Set(HeaderAction, msg.Action)
	setOptionalHeader(req, HeaderConversationID, msg.ConversationID)
	setOptionalHeader(req, HeaderAgreement, msg.Agreement)
	setOptionalHeader(req, HeaderMpc, msg.Mpc)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("endpoint %s returned status %d: %s", endpoint, resp.StatusCode, string(detail))
	}
	return nil
}

func setOptionalHeader(req *http.Request, name, value string) {
	if value != "" {
		req.Header.Set(name, value)
	}
}
