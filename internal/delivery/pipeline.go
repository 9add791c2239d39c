// Package delivery sends fixes to the collector: one primary attempt through
// the structured API client, then at most one fallback attempt through an
// independent bare HTTP client.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/api"
	"github.com/shaunagostinho/gpsreporter/internal/gps"
	"github.com/shaunagostinho/gpsreporter/internal/logger"
)

// ErrTotalDelivery means both the primary and the fallback transport failed.
var ErrTotalDelivery = errors.New("delivery: primary and fallback transports failed")

// Transport names the path that produced a Result.
type Transport string

const (
	TransportPrimary  Transport = "primary"
	TransportFallback Transport = "fallback"
)

// Endpoint is where and as whom reports are sent.
type Endpoint struct {
	BaseURL string
	Token   string
}

// Result is the final outcome of one Deliver call.
type Result struct {
	Fix        gps.Fix
	Transport  Transport
	StatusCode int    // HTTP status of the last attempt, 0 if none was received
	RequestID  string // Sent as X-Request-ID on both attempts
	PrimaryErr error  // Why the primary attempt failed, if it did
	Err        error  // nil on success
}

// OK reports whether the fix reached the collector.
func (r Result) OK() bool { return r.Err == nil }

// Pipeline delivers fixes to one endpoint.
type Pipeline struct {
	endpoint Endpoint
	timeout  time.Duration
	primary  *api.Client
	fallback *fasthttp.Client
	log      *zap.Logger
}

// New builds both transports for ep. A zero timeout uses api.DefaultTimeout.
func New(ep Endpoint, timeout time.Duration) (*Pipeline, error) {
	if timeout <= 0 {
		timeout = api.DefaultTimeout
	}
	primary, err := api.NewClient(ep.BaseURL, timeout)
	if err != nil {
		return nil, err
	}
	ep.BaseURL = api.NormalizeBaseURL(ep.BaseURL)

	return &Pipeline{
		endpoint: ep,
		timeout:  timeout,
		primary:  primary,
		fallback: &fasthttp.Client{
			Name:            "gpsreporter-fallback",
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
			MaxConnsPerHost: 2,
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, timeout)
			},
		},
		log: logger.Named("delivery"),
	}, nil
}

// Deliver sends fix. A failed primary attempt is retried exactly once on the
// fallback transport unless ctx is already done. No further retry happens.
func (p *Pipeline) Deliver(ctx context.Context, fix gps.Fix) Result {
	res := Result{Fix: fix, Transport: TransportPrimary, RequestID: uuid.NewString()}

	body, err := api.NewReport(fix).Encode()
	if err != nil {
		res.Err = fmt.Errorf("encode report: %w", err)
		return res
	}

	err = p.primary.SendLocation(ctx, p.endpoint.Token, body, res.RequestID)
	if err == nil {
		p.log.Debug("delivered", zap.String("transport", string(TransportPrimary)), zap.String("request_id", res.RequestID))
		return res
	}
	res.PrimaryErr = err
	res.StatusCode = api.StatusCode(err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Err = fmt.Errorf("primary aborted: %w", ctxErr)
		return res
	}

	p.log.Warn("primary transport failed, using fallback",
		zap.String("request_id", res.RequestID),
		zap.Int("code", res.StatusCode),
		zap.Error(err),
	)

	res.Transport = TransportFallback
	code, ferr := p.sendFallback(body, res.RequestID)
	res.StatusCode = code
	if ferr != nil {
		res.Err = fmt.Errorf("%w: primary: %v; fallback: %v", ErrTotalDelivery, err, ferr)
		p.log.Error("fallback transport failed", zap.String("request_id", res.RequestID), zap.Int("code", code), zap.Error(ferr))
		return res
	}
	p.log.Info("delivered", zap.String("transport", string(TransportFallback)), zap.String("request_id", res.RequestID))
	return res
}

// sendFallback posts body to {base}gps without the structured API layer.
func (p *Pipeline) sendFallback(body []byte, requestID string) (int, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.endpoint.BaseURL + api.FallbackPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+p.endpoint.Token)
	req.Header.SetContentType("application/json; charset=utf-8")
	req.Header.Set("X-Request-ID", requestID)
	req.SetBodyRaw(body)

	if err := p.fallback.DoTimeout(req, resp, 3*p.timeout); err != nil {
		return 0, fmt.Errorf("fallback request: %w", err)
	}

	code := resp.StatusCode()
	if code < 200 || code > 299 {
		snippet := resp.Body()
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return code, &api.StatusError{Code: code, Body: strings.TrimSpace(string(snippet))}
	}
	return code, nil
}
