// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package transport implements the signed-request pipeline shared by the
// v1 and v2 engines: nonce priming, JWS wrapping, problem+json decoding,
// and the single bad-nonce retry. It is the Go counterpart of the
// original client's ClientNetwork, carrying the same relaxed
// Content-Type checking (a JSON body is trusted over a wrong header,
// c.f. Boulder #56) and the same fatal MissingNonce invariant.
package transport

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/go-acme-core/acmeclient/core"
	acmeerrors "github.com/go-acme-core/acmeclient/errors"
	"github.com/go-acme-core/acmeclient/jws"
	"github.com/go-acme-core/acmeclient/nonce"
)

const (
	contentTypeJSON      = "application/json"
	contentTypeJOSE      = "application/jose+json"
	contentTypeProblem   = "application/problem+json"
	replayNonceHeader    = "Replay-Nonce"
	defaultUserAgent     = "acmeclient-go"
	defaultTimeout       = 45 * time.Second
)

// Config controls the underlying HTTP client's behavior. Tags are
// enforced with github.com/letsencrypt/validator/v10 at construction.
type Config struct {
	VerifySSL bool          `validate:"-"`
	UserAgent string        `validate:"required"`
	Timeout   time.Duration `validate:"gt=0"`
}

// DefaultConfig matches the original client's ClientNetwork defaults.
func DefaultConfig() Config {
	return Config{VerifySSL: true, UserAgent: defaultUserAgent, Timeout: defaultTimeout}
}

var configValidator = validator.New()

// Validate enforces Config's struct tags, rejecting a zero UserAgent or
// a non-positive Timeout before a Transport is ever constructed.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return acmeerrors.New(acmeerrors.Transport, "invalid transport config: %s", err)
	}
	return nil
}

// Metrics bundles the Prometheus collectors Transport updates. Callers
// constructing more than one Transport in the same process should share
// a single Metrics registered once, since repeat registration of the
// same collector with the default registerer panics.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	noncePoolSize       prometheus.Gauge
	badNonceRetriesTotal prometheus.Counter
}

// NewMetrics constructs and registers the collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acme_requests_total",
			Help: "ACME HTTP requests by method and outcome.",
		}, []string{"method", "outcome"}),
		noncePoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acme_nonce_pool_size",
			Help: "Number of unused replay-nonces currently held.",
		}),
		badNonceRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acme_bad_nonce_retries_total",
			Help: "Number of POSTs retried once after a badNonce problem.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.noncePoolSize, m.badNonceRetriesTotal)
	return m
}

// Transport is the signed-request pipeline. One Transport is scoped to a
// single account key, matching the engine's single-threaded contract.
type Transport struct {
	Key    core.AccountKey
	Nonces *nonce.Pool

	// KeyID is the account URI used as the JWS "kid". Empty until an
	// account has been created or looked up; callers (the engines) set
	// it after new-account succeeds.
	KeyID string

	client  *http.Client
	config  Config
	clk     clock.Clock
	log     *logrus.Logger
	metrics *Metrics
}

// New constructs a Transport. clk and log may be nil, in which case the
// real system clock and a logger with default settings are used.
func New(key core.AccountKey, cfg Config, clk clock.Clock, log *logrus.Logger, metrics *Metrics) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.New()
	}
	httpTransport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
	}
	return &Transport{
		Key:     key,
		Nonces:  nonce.NewPool(),
		client:  &http.Client{Timeout: cfg.Timeout, Transport: httpTransport},
		config:  cfg,
		clk:     clk,
		log:     log,
		metrics: metrics,
	}, nil
}

func (t *Transport) observe(method, outcome string) {
	if t.metrics == nil {
		return
	}
	t.metrics.requestsTotal.WithLabelValues(method, outcome).Inc()
	t.metrics.noncePoolSize.Set(float64(t.Nonces.Len()))
}

// Head sends an unsigned HEAD request, used only to prime the nonce pool.
// ensureNonce sends it to the URL about to be POSTed to, for v1 and v2
// alike; the directory's newNonce endpoint is not used. Response checking is intentionally skipped: servers may answer HEAD
// with any status, relying only on the Replay-Nonce header being present.
func (t *Transport) Head(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return nil, acmeerrors.NewTransport(url, "", err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)
	t.log.WithFields(logrus.Fields{"method": "HEAD", "url": url}).Debug("acme: sending request")
	resp, err := t.client.Do(req)
	if err != nil {
		t.observe("HEAD", "error")
		return nil, acmeerrors.NewTransport(url, "", err)
	}
	t.observe("HEAD", strconv.Itoa(resp.StatusCode))
	if err := t.addNonce(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Get sends an unsigned GET request (used for the directory and, in v2,
// POST-as-GET's GET-compatible siblings where the spec allows it) and
// validates the response the same way Post does.
func (t *Transport) Get(url string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, acmeerrors.NewTransport(url, "", err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)
	t.log.WithFields(logrus.Fields{"method": "GET", "url": url}).Debug("acme: sending request")
	resp, err := t.client.Do(req)
	if err != nil {
		t.observe("GET", "error")
		return nil, nil, acmeerrors.NewTransport(url, "", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.observe("GET", "error")
		return resp, nil, acmeerrors.NewTransport(url, "", err)
	}
	t.observe("GET", strconv.Itoa(resp.StatusCode))
	if err := t.checkResponse(resp, body); err != nil {
		return resp, body, err
	}
	return resp, body, nil
}

// PostOptions customizes one signed POST. AcmeVersion chooses between v1
// (always-embedded JWK, no kid header) and v2 (kid once known) header
// shapes; the url header is present for both, per the engines' resolved
// design.
type PostOptions struct {
	AcmeVersion int // 1 or 2
	// EmbedJWKOverride forces JWK embedding even for a v2 request (used
	// for v2's new-account, before an account URI exists).
	EmbedJWKOverride bool
}

// Post signs payload and POSTs it to url, retrying exactly once if the
// server answers with a badNonce problem, matching the original client's
// post()/ _post_once() pair.
func (t *Transport) Post(url string, payload []byte, opts PostOptions) (*http.Response, []byte, error) {
	resp, body, err := t.postOnce(url, payload, opts)
	if err == nil {
		return resp, body, nil
	}
	if !acmeerrors.Is(err, acmeerrors.BadNonce) {
		return resp, body, err
	}
	if t.metrics != nil {
		t.metrics.badNonceRetriesTotal.Inc()
	}
	t.log.WithField("url", url).Debug("acme: retrying POST after badNonce")
	return t.postOnce(url, payload, opts)
}

func (t *Transport) postOnce(url string, payload []byte, opts PostOptions) (*http.Response, []byte, error) {
	if err := t.ensureNonce(url); err != nil {
		return nil, nil, err
	}

	req := jws.Request{
		Key:      t.Key,
		Nonces:   t.Nonces,
		URL:      url,
		Payload:  payload,
		EmbedJWK: opts.EmbedJWKOverride,
	}
	if opts.AcmeVersion == 1 {
		req.EmbedJWK = true
	} else if t.KeyID != "" && !opts.EmbedJWKOverride {
		req.KeyID = t.KeyID
	}

	serialized, err := jws.Sign(req)
	if err != nil {
		return nil, nil, acmeerrors.NewTransport(url, "", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(serialized)))
	if err != nil {
		return nil, nil, acmeerrors.NewTransport(url, "", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJOSE)
	httpReq.Header.Set("User-Agent", t.config.UserAgent)

	t.log.WithFields(logrus.Fields{"method": "POST", "url": url}).Debug("acme: sending request")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.observe("POST", "error")
		return nil, nil, acmeerrors.NewTransport(url, "", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.observe("POST", "error")
		return resp, nil, acmeerrors.NewTransport(url, "", err)
	}
	t.observe("POST", strconv.Itoa(resp.StatusCode))

	if nonceErr := t.addNonce(resp); nonceErr != nil {
		return resp, body, nonceErr
	}
	if err := t.checkResponse(resp, body); err != nil {
		return resp, body, err
	}
	return resp, body, nil
}

// ensureNonce primes the pool with one nonce via HEAD if it's empty, the
// same lazy refill the original's _get_nonce performs.
func (t *Transport) ensureNonce(url string) error {
	if t.Nonces.Len() > 0 {
		return nil
	}
	t.log.Debug("acme: requesting fresh nonce")
	_, err := t.Head(url)
	return err
}

// addNonce stores the Replay-Nonce header's decoded value, or returns a
// fatal MissingNonce error. Every response on the signed path — HEAD
// included — must carry one; there is no retry for its absence.
func (t *Transport) addNonce(resp *http.Response) error {
	raw := resp.Header.Get(replayNonceHeader)
	if raw == "" {
		return acmeerrors.New(acmeerrors.MissingNonce, "response from %s carried no Replay-Nonce", resp.Request.URL)
	}
	decoded, err := core.Base64URLDecode(raw)
	if err != nil {
		return acmeerrors.New(acmeerrors.BadNonce, "could not decode Replay-Nonce %q: %s", raw, err)
	}
	t.log.Debug("acme: storing nonce")
	t.Nonces.Add(decoded)
	if t.metrics != nil {
		t.metrics.noncePoolSize.Set(float64(t.Nonces.Len()))
	}
	return nil
}

// checkResponse applies the original's relaxed content-type policy: a
// wrong Content-Type header on an otherwise well-formed JSON body is
// logged, not rejected (c.f. Boulder #56). A 409 is always a Conflict
// regardless of body. Any other non-2xx status with a JSON body is
// decoded as a ProblemDetails; without one, it's a plain Transport error.
func (t *Transport) checkResponse(resp *http.Response, body []byte) error {
	ct := resp.Header.Get("Content-Type")

	var problem core.ProblemDetails
	var jobj interface{}
	decodeErr := json.Unmarshal(body, &jobj)
	hasJSON := decodeErr == nil && len(body) > 0

	if resp.StatusCode == http.StatusConflict {
		return acmeerrors.NewConflict(resp.Header.Get("Location"))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if hasJSON {
			if ct != contentTypeProblem {
				t.log.WithField("content-type", ct).Debug("acme: ignoring wrong Content-Type for problem response")
			}
			if err := json.Unmarshal(body, &problem); err == nil && problem.Type != "" {
				if problem.Type == core.ErrBadNonce || problem.Type == "urn:acme:error:badNonce" {
					return acmeerrors.New(acmeerrors.BadNonce, "%s", problem.Detail)
				}
				return acmeerrors.NewProblem(&problem)
			}
		}
		return acmeerrors.NewTransport(resp.Request.URL.Host, resp.Request.URL.Path,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if hasJSON && ct != contentTypeJSON {
		t.log.WithField("content-type", ct).Debug("acme: ignoring wrong Content-Type for JSON response")
	}
	return nil
}

// RetryAfter computes the next poll time from resp's Retry-After header,
// falling back to "now plus default seconds" when absent or unparsable.
// It accepts both the integer-seconds and HTTP-date forms (RFC 7231
// §7.1.3), matching the original's retry_after classmethod.
func (t *Transport) RetryAfter(resp *http.Response, defaultSeconds int) time.Time {
	now := t.clk.Now()
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return now.Add(time.Duration(defaultSeconds) * time.Second)
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return now.Add(time.Duration(secs) * time.Second)
	}
	if when, err := http.ParseTime(raw); err == nil {
		return when
	}
	return now.Add(time.Duration(defaultSeconds) * time.Second)
}

// Clock exposes the injected clock so engines can share it for deadline
// arithmetic without importing jmhodges/clock themselves.
func (t *Transport) Clock() clock.Clock { return t.clk }
