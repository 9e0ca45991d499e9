package storage

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// proxyURL returns the proxy configured for cfg, or nil.
func proxyURL(cfg Config) *url.URL {
	if cfg.ProxyHost == "" || cfg.ProxyPort <= 0 {
		return nil
	}
	return &url.URL{Scheme: "http", Host: cfg.ProxyHost + ":" + strconv.Itoa(cfg.ProxyPort)}
}

// tuneTransport applies connection pool size and proxy settings.
func tuneTransport(tr *http.Transport, cfg Config) {
	if cfg.MaxConnections > 0 {
		tr.MaxConnsPerHost = cfg.MaxConnections
		tr.MaxIdleConnsPerHost = cfg.MaxConnections
		if tr.MaxIdleConns < cfg.MaxConnections {
			tr.MaxIdleConns = cfg.MaxConnections
		}
	}
	if u := proxyURL(cfg); u != nil {
		tr.Proxy = http.ProxyURL(u)
	}
}

func objectPath(bucket, key string) string {
	return fmt.Sprintf("%s/%s", bucket, key)
}
