package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// buildSaramaConfig translates the broker spec into a producer configuration.
// Ordering requirements: acks=all, one open request per connection so broker
// acknowledgements arrive in send order.
func buildSaramaConfig(spec config.BrokerSpec, logger *slog.Logger) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "cdc-bridge"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Net.MaxOpenRequests = 1

	if sec := spec.Security; sec != nil {
		switch sec.Protocol {
		case "SSL":
			tlsConfig, err := buildTLSConfig(sec)
			if err != nil {
				return nil, err
			}
			cfg.Net.TLS.Enable = true
			cfg.Net.TLS.Config = tlsConfig
		case "SASL_SSL":
			tlsConfig, err := buildTLSConfig(sec)
			if err != nil {
				return nil, err
			}
			cfg.Net.TLS.Enable = true
			cfg.Net.TLS.Config = tlsConfig
			if err := applySASL(cfg, sec); err != nil {
				return nil, err
			}
		case "SASL_PLAINTEXT":
			if err := applySASL(cfg, sec); err != nil {
				return nil, err
			}
		case "":
		default:
			return nil, fmt.Errorf("%w: unsupported broker security protocol %q", core.ErrConfigInvalid, sec.Protocol)
		}
	}

	applyProducerProperties(cfg, spec.ProducerProperties, logger)
	return cfg, nil
}

func applySASL(cfg *sarama.Config, sec *config.SecuritySpec) error {
	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.User = sec.Username
	cfg.Net.SASL.Password = sec.Password

	switch sec.Mechanism {
	case "PLAIN", "":
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case "SCRAM_SHA_256":
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgSCRAMClient{HashGeneratorFcn: sha256Gen}
		}
	case "SCRAM_SHA_512":
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgSCRAMClient{HashGeneratorFcn: sha512Gen}
		}
	default:
		return fmt.Errorf("%w: unsupported SASL mechanism %q", core.ErrConfigInvalid, sec.Mechanism)
	}
	return nil
}

func buildTLSConfig(sec *config.SecuritySpec) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if sec.Truststore != nil && sec.Truststore.Path != "" {
		pem, err := os.ReadFile(sec.Truststore.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: read truststore: %v", core.ErrConfigInvalid, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: truststore %q holds no certificates", core.ErrConfigInvalid, sec.Truststore.Path)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// applyProducerProperties maps the recognized pass-through producer
// properties onto the sarama configuration; unknown keys are logged and
// ignored.
func applyProducerProperties(cfg *sarama.Config, props map[string]string, logger *slog.Logger) {
	for key, value := range props {
		switch key {
		case "client.id":
			cfg.ClientID = value
		case "compression.type":
			switch value {
			case "gzip":
				cfg.Producer.Compression = sarama.CompressionGZIP
			case "snappy":
				cfg.Producer.Compression = sarama.CompressionSnappy
			case "lz4":
				cfg.Producer.Compression = sarama.CompressionLZ4
			case "zstd":
				cfg.Producer.Compression = sarama.CompressionZSTD
			case "none":
				cfg.Producer.Compression = sarama.CompressionNone
			default:
				logger.Warn("Unknown compression.type, ignoring", "value", value)
			}
		case "max.message.bytes":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.Producer.MaxMessageBytes = n
			}
		case "flush.frequency.ms":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				cfg.Producer.Flush.Frequency = msDuration(n)
			}
		default:
			logger.Warn("Unrecognized producer property, ignoring", "key", key)
		}
	}
}
