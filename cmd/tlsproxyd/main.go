package main

import (
	"crypto/tls"
	"encoding/pem"
	"flag"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/kffl/tlsproxy/internal/upstreamcfg"
	"github.com/kffl/tlsproxy/proxy"
	"github.com/kffl/tlsproxy/version"
)

type Config struct {
	Port             int
	TimeoutMillis    int
	CertDir          string
	ServerAgent      string
	LongIdleHosts    string
	ProxyAuth        string
	InsecureUpstream bool
	Debug            bool
}

func loadConfig() *Config {
	config := new(Config)
	flag.IntVar(&config.Port, "port", envInt("HTTPS_PROXY_PORT", 10443), "listen port")
	flag.IntVar(&config.TimeoutMillis, "timeout", envInt("PROXY_TIMEOUT", 30000), "forward-fetch request timeout in milliseconds")
	flag.StringVar(&config.CertDir, "cert-dir", envOr("TLS_CERT_DIR", "certs"), "directory holding server.key, server.crt/fullchain.crt, ca.crt")
	flag.StringVar(&config.ServerAgent, "server-agent", envOr("SERVER_AGENT", "tlsproxy"), "Proxy-agent name for CONNECT responses and the status page")
	flag.StringVar(&config.LongIdleHosts, "long-idle-hosts", os.Getenv("LONG_IDLE_HOSTS"), "comma-separated glob patterns of authorities given the long idle timeout")
	flag.StringVar(&config.ProxyAuth, "proxy-auth", os.Getenv("PROXY_AUTH"), "user:password to require via Proxy-Authorization, empty disables")
	flag.BoolVar(&config.InsecureUpstream, "insecure-upstream", false, "skip certificate verification on the TLS leg to an HTTPS upstream proxy")
	flag.BoolVar(&config.Debug, "debug", false, "enable debug logging")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return config
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func main() {
	config := loadConfig()

	level := slog.LevelInfo
	addSource := false
	if config.Debug {
		level = slog.LevelDebug
		addSource = true
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}))
	slog.SetDefault(logger)

	identity, err := loadIdentity(config.CertDir)
	if err != nil {
		slog.Error("failed to load TLS identity", "error", err, "cert_dir", config.CertDir)
		os.Exit(1)
	}

	upstream := upstreamcfg.Resolve(os.Getenv)
	slog.Info("resolved upstream proxy", "scheme", upstream.Scheme.String())

	var longIdleHosts upstreamcfg.PatternList
	if config.LongIdleHosts != "" {
		longIdleHosts = upstreamcfg.ParsePatternList(config.LongIdleHosts)
	}

	proxyConfig := proxy.Config{
		Addr:                       ":" + strconv.Itoa(config.Port),
		Identity:                   identity,
		Upstream:                   upstream,
		InsecureSkipVerifyUpstream: config.InsecureUpstream,
		RequestTimeout:             time.Duration(config.TimeoutMillis) * time.Millisecond,
		LongIdleHosts:              longIdleHosts,
		ServerAgent:                config.ServerAgent,
		ProxyAuth:                  config.ProxyAuth,
	}

	server := proxy.New(proxyConfig)

	slog.Info("tlsproxy started", "addr", proxyConfig.Addr, "version", version.String())
	if err := proxy.Run(server); err != nil {
		slog.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}

// loadIdentity implements spec.md §6's TLS material resolution: a
// private key plus either a full chain or a leaf certificate with the
// CA appended.
func loadIdentity(certDir string) (tls.Certificate, error) {
	keyPath := certDir + "/server.key"

	certPath := certDir + "/fullchain.crt"
	if _, err := os.Stat(certPath); err != nil {
		certPath = certDir + "/server.crt"
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	if certPath != certDir+"/fullchain.crt" {
		if ca, err := os.ReadFile(certDir + "/ca.crt"); err == nil {
			cert.Certificate = append(cert.Certificate, pemCertDERBlocks(ca)...)
		}
	}

	return cert, nil
}

// pemCertDERBlocks extracts every CERTIFICATE block's raw DER bytes from
// a PEM file, in order, so ca.crt can be appended to a leaf certificate's
// chain (spec.md §6).
func pemCertDERBlocks(data []byte) [][]byte {
	var blocks [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			blocks = append(blocks, block.Bytes)
		}
	}
	return blocks
}
