// Package proxy forwards admitted requests to the protected upstream.
package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gatehouse/admission/envelope"
	"gatehouse/admission/requestid"
)

type Upstream struct {
	proxy *httputil.ReverseProxy
	host  string
	log   zerolog.Logger
}

// New builds a single-host reverse proxy with a pooled transport. The
// scheme defaults to http when the upstream address omits one.
func New(upstream string, timeout time.Duration, log zerolog.Logger) (*Upstream, error) {
	if !strings.Contains(upstream, "://") {
		upstream = "http://" + upstream
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = transport

	origDirector := rp.Director
	rp.Director = func(r *http.Request) {
		origDirector(r)
		addForwardedHeaders(r)
		r.Host = target.Host
	}

	up := &Upstream{proxy: rp, host: target.Host, log: log}
	rp.ErrorHandler = up.handleError
	return up, nil
}

func addForwardedHeaders(r *http.Request) {
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	r.Header.Set("X-Forwarded-Proto", proto)
	r.Header.Set("X-Forwarded-Host", r.Host)
}

// handleError answers upstream failures with the standard envelope so
// clients never see the bare proxy error text.
func (p *Upstream) handleError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := requestid.FromRequest(r)
	p.log.Error().
		Str("request_id", reqID).
		Str("upstream", p.host).
		Err(err).
		Msg("upstream error")
	envelope.Write(w, envelope.Build(envelope.KindServiceUnavailable, reqID, nil), 0)
}

func (p *Upstream) Host() string { return p.host }

func (p *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}
