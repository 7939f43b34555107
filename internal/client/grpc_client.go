// Bu paket, upstream servislere (dil modeli, konuşma tanıma, ses sentezi)
// istemci bağlantıları oluşturmaktan sorumludur.
package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// NewGrpcConn, verilen adrese bir gRPC istemci bağlantısı oluşturur.
// Sertifika yolları tanımlıysa mTLS, değilse şifresiz bağlantı kullanılır.
func NewGrpcConn(cfg *config.Config, addr string) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if cfg.MTLSEnabled() {
		var err error
		if creds, err = loadClientTLS(cfg, addr); err != nil {
			return nil, err
		}
	}

	target := fmt.Sprintf("passthrough:///%s", addr)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("gRPC istemcisi (%s) oluşturulamadı: %w", addr, err)
	}
	return conn, nil
}

func loadClientTLS(cfg *config.Config, addr string) (credentials.TransportCredentials, error) {
	clientCert, err := tls.LoadX509KeyPair(cfg.AgentServiceCertPath, cfg.AgentServiceKeyPath)
	if err != nil {
		return nil, fmt.Errorf("istemci sertifikası yüklenemedi: %w", err)
	}

	caCert, err := os.ReadFile(cfg.GrpcTlsCaPath)
	if err != nil {
		return nil, fmt.Errorf("CA sertifikası okunamadı: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA sertifikası havuza eklenemedi")
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caCertPool,
		ServerName:   strings.Split(addr, ":")[0],
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// normalizeBaseURL, şema içermeyen adreslere http:// ekler.
func normalizeBaseURL(raw string) string {
	raw = strings.TrimRight(raw, "/")
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "http://" + raw
	}
	return raw
}
