// Package refresher coordinates cache refreshes: it rebuilds the firmware
// catalog snapshot, invalidates the symbol store's lookup caches and notifies
// peer processes, on demand or on a timer.
package refresher

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/symsrv/symsrv/pkg/firmware"
	"github.com/symsrv/symsrv/pkg/util"
)

type Config struct {
	Peers       string        `yaml:"peers"`
	PeerTimeout time.Duration `yaml:"peer_timeout"`
	Interval    time.Duration `yaml:"interval"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Peers, "refresher.peers", "", "Comma-separated refresh URLs of peer processes to notify after a refresh.")
	f.DurationVar(&cfg.PeerTimeout, "refresher.peer-timeout", 10*time.Second, "Timeout for each peer notification.")
	f.DurationVar(&cfg.Interval, "refresher.interval", 0, "Periodic refresh interval. Zero disables the timer.")
}

// CatalogRefresher rebuilds the firmware catalog snapshot.
type CatalogRefresher interface {
	Refresh(ctx context.Context) (*firmware.Snapshot, error)
}

// CacheInvalidator drops derived lookup caches.
type CacheInvalidator interface {
	InvalidateCache(ctx context.Context) error
}

// Peer is a process notified after a successful refresh. Peer failures are
// best-effort and never fail the refresh.
type Peer interface {
	Name() string
	Refresh(ctx context.Context) error
}

// Result reports one refresh run.
type Result struct {
	Artifacts   int       `json:"artifacts"`
	Peers       int       `json:"peers"`
	PeerErrors  []string  `json:"peer_errors,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Refresher serializes refresh runs. State is re-derived from the bucket and
// the store on every run, so repeating or overlapping calls are safe.
type Refresher struct {
	services.Service

	logger  log.Logger
	cfg     Config
	catalog CatalogRefresher
	store   CacheInvalidator
	peers   []Peer
	metrics *metrics

	mu sync.Mutex
}

func New(logger log.Logger, cfg Config, catalog CatalogRefresher, store CacheInvalidator, peers []Peer, reg prometheus.Registerer) *Refresher {
	r := &Refresher{
		logger:  logger,
		cfg:     cfg,
		catalog: catalog,
		store:   store,
		peers:   peers,
		metrics: newMetrics(reg),
	}
	r.Service = services.NewTimerService(timerInterval(cfg.Interval), r.initialRefresh, r.iteration, nil)
	return r
}

// The timer service needs a positive interval even when periodic refresh is
// disabled.
func timerInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return time.Hour
	}
	return interval
}

func (r *Refresher) initialRefresh(ctx context.Context) error {
	_, err := r.RefreshAll(ctx)
	return err
}

func (r *Refresher) iteration(ctx context.Context) error {
	if r.cfg.Interval <= 0 {
		return nil
	}
	if _, err := r.RefreshAll(ctx); err != nil {
		level.Error(r.logger).Log("msg", "periodic refresh failed", "err", err)
	}
	return nil
}

// RefreshAll rebuilds the catalog snapshot, invalidates the store caches and
// notifies peers. Runs are serialized; each run re-derives all state, so the
// operation is idempotent.
func (r *Refresher) RefreshAll(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	snap, err := r.catalog.Refresh(ctx)
	if err != nil {
		r.metrics.refreshes.WithLabelValues("error").Inc()
		return Result{}, errors.Wrap(err, "refresh firmware catalog")
	}
	if err := r.store.InvalidateCache(ctx); err != nil {
		r.metrics.refreshes.WithLabelValues("error").Inc()
		return Result{}, errors.Wrap(err, "invalidate store caches")
	}

	result := Result{
		Artifacts:   len(snap.Artifacts),
		Peers:       len(r.peers),
		RefreshedAt: snap.RefreshedAt,
	}

	var merr *multierror.Error
	for _, p := range r.peers {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
		err := p.Refresh(pctx)
		cancel()
		if err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, p.Name()))
			result.PeerErrors = append(result.PeerErrors, fmt.Sprintf("%s: %v", p.Name(), err))
			r.metrics.peerNotifications.WithLabelValues("error").Inc()
			continue
		}
		r.metrics.peerNotifications.WithLabelValues("success").Inc()
	}
	if err := merr.ErrorOrNil(); err != nil {
		level.Warn(r.logger).Log("msg", "some peers failed to refresh", "err", err)
	}

	r.metrics.refreshes.WithLabelValues("success").Inc()
	level.Info(r.logger).Log("msg", "refresh completed",
		"artifacts", result.Artifacts, "peers", result.Peers,
		"peer_errors", len(result.PeerErrors), "duration", time.Since(start))
	return result, nil
}

// HTTPPeer notifies a peer by POSTing to its refresh endpoint.
type HTTPPeer struct {
	url    string
	client *http.Client
}

func NewHTTPPeer(url string) *HTTPPeer {
	return &HTTPPeer{url: url, client: &http.Client{}}
}

// HTTPPeers builds peers from a comma-separated URL list.
func HTTPPeers(urls string) []Peer {
	var peers []Peer
	for _, u := range strings.Split(urls, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		peers = append(peers, NewHTTPPeer(u))
	}
	return peers
}

func (p *HTTPPeer) Name() string { return p.url }

func (p *HTTPPeer) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

type metrics struct {
	refreshes         *prometheus.CounterVec
	peerNotifications *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symsrv_refreshes_total",
			Help: "Cache refresh runs by outcome.",
		}, []string{"status"}),
		peerNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symsrv_refresh_peer_notifications_total",
			Help: "Peer refresh notifications by outcome.",
		}, []string{"status"}),
	}
	if reg != nil {
		m.refreshes = util.RegisterOrGet(reg, m.refreshes)
		m.peerNotifications = util.RegisterOrGet(reg, m.peerNotifications)
	}
	return m
}
