package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/stun/v3"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DefaultICEServers is used whenever the backend cannot be reached.
var DefaultICEServers = []pion.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// iceServer accepts "urls" as a string or a list, like RTCIceServer.
type iceServer struct {
	URLs       urlList `json:"urls"`
	URL        string  `json:"url,omitempty"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls: %w", err)
	}
	*u = many
	return nil
}

type iceResponse struct {
	ICEServers []iceServer `json:"iceServers"`
}

// FetchICEServers calls GET /api/ice-servers once.
func (c *Client) FetchICEServers(ctx context.Context) ([]pion.ICEServer, error) {
	var resp iceResponse
	if err := c.do(ctx, http.MethodGet, "/api/ice-servers", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}

	var servers []pion.ICEServer
	for _, s := range resp.ICEServers {
		urls := []string(s.URLs)
		if s.URL != "" {
			urls = append(urls, s.URL)
		}
		var valid []string
		for _, raw := range urls {
			if _, err := stun.ParseURI(raw); err != nil {
				c.log.Warn("dropping invalid ice url", zap.String("url", raw), zap.Error(err))
				continue
			}
			valid = append(valid, raw)
		}
		if len(valid) == 0 {
			continue
		}
		servers = append(servers, pion.ICEServer{
			URLs:       valid,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("fetch ice servers: response contained no usable servers")
	}
	return servers, nil
}

// ICEFetcher is the lookup wrapped by ICEConfigProvider.
type ICEFetcher interface {
	FetchICEServers(ctx context.Context) ([]pion.ICEServer, error)
}

// ICEConfigProvider caches the TURN/STUN configuration and falls back to
// DefaultICEServers when the backend is unavailable. It never fails.
type ICEConfigProvider struct {
	fetcher      ICEFetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	maxRetries   uint64
	log          *zap.Logger

	mu         sync.Mutex
	cached     []pion.ICEServer
	expires    time.Time
	refreshing bool
	now        func() time.Time
}

// NewICEConfigProvider caches results from fetcher for ttl. A nil fetcher
// always yields the defaults.
func NewICEConfigProvider(fetcher ICEFetcher, ttl time.Duration, log *zap.Logger) *ICEConfigProvider {
	return &ICEConfigProvider{
		fetcher:      fetcher,
		ttl:          ttl,
		fetchTimeout: 5 * time.Second,
		maxRetries:   2,
		log:          log.Named("ice-config"),
		now:          time.Now,
	}
}

// GetICEServers returns the cached servers, refreshing them if stale. The
// refresh is bounded by the provider's fetch timeout.
func (p *ICEConfigProvider) GetICEServers(ctx context.Context) []pion.ICEServer {
	servers, fresh := p.snapshot()
	if fresh || p.fetcher == nil {
		return servers
	}
	return p.refresh(ctx)
}

// Configuration never blocks: it returns the cached or default servers and
// refreshes a stale cache in the background.
func (p *ICEConfigProvider) Configuration(ctx context.Context) pion.Configuration {
	servers, fresh := p.snapshot()
	if !fresh && p.fetcher != nil {
		p.refreshAsync()
	}
	return pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	}
}

// snapshot returns the last good servers, or the defaults, and whether they
// are still within the ttl.
func (p *ICEConfigProvider) snapshot() ([]pion.ICEServer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil {
		return DefaultICEServers, false
	}
	return p.cached, p.now().Before(p.expires)
}

func (p *ICEConfigProvider) refreshAsync() {
	p.mu.Lock()
	if p.refreshing {
		p.mu.Unlock()
		return
	}
	p.refreshing = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.refreshing = false
			p.mu.Unlock()
		}()
		p.refresh(context.Background())
	}()
}

func (p *ICEConfigProvider) refresh(ctx context.Context) []pion.ICEServer {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	var servers []pion.ICEServer
	op := func() error {
		var err error
		servers, err = p.fetcher.FetchICEServers(ctx)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = p.fetchTimeout
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.maxRetries), ctx)); err != nil {
		p.log.Warn("using cached or default ice servers", zap.Error(err))
		fallback, _ := p.snapshot()
		return fallback
	}

	p.mu.Lock()
	p.cached = servers
	p.expires = p.now().Add(p.ttl)
	p.mu.Unlock()
	p.log.Info("ice servers refreshed", zap.Int("count", len(servers)))
	return servers
}
