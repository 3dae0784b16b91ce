package netquality

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"k8s.io/utils/clock"
)

// Sampler measures bandwidth, latency and packet loss against an upstream
// that serves PingPath and BandwidthPath.
type Sampler struct {
	base   *url.URL
	cfg    Config
	client *http.Client
	clock  clock.PassiveClock
}

// NewSampler creates a sampler for the upstream at baseURL. A nil client
// uses http.DefaultClient.
func NewSampler(baseURL string, cfg Config, client *http.Client) (*Sampler, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid upstream url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Sampler{
		base:   u,
		cfg:    cfg.withDefaults(),
		client: client,
		clock:  clock.RealClock{},
	}, nil
}

func (s *Sampler) Config() Config {
	return s.cfg
}

// Sample runs the three measurements concurrently and returns once all of
// them resolved. It never fails: a failed measurement is replaced by a
// conservative value and the sample is marked degraded. A failed bandwidth
// probe reports MinBandwidthMbps, or the partial rate when some data came
// through.
func (s *Sampler) Sample(ctx context.Context) Sample {
	var (
		wg                 conc.WaitGroup
		latency, bandwidth float64
		loss               float64
		latencyOK, bwOK    bool
	)

	wg.Go(func() { latency, latencyOK = s.measureLatency(ctx) })
	wg.Go(func() { bandwidth, bwOK = s.measureBandwidth(ctx) })
	wg.Go(func() { loss = s.measureLoss(ctx) })
	wg.Wait()

	sample := Sample{
		TimestampMs:   s.clock.Now().UnixMilli(),
		BandwidthMbps: bandwidth,
		LatencyMs:     latency,
		PacketLossPct: loss,
		Degraded:      !latencyOK || !bwOK,
	}

	logrus.WithFields(logrus.Fields{
		"bandwidth":   sample.BandwidthMbps,
		"latency":     sample.LatencyMs,
		"packet_loss": sample.PacketLossPct,
		"degraded":    sample.Degraded,
	}).Debug("Network sample taken")

	return sample
}

func (s *Sampler) measureLatency(ctx context.Context) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := s.clock.Now()
	if err := s.ping(ctx, url.Values{"t": {uniuri.New()}}); err != nil {
		logrus.WithError(err).Debug("Latency probe failed, using fallback")
		return millis(s.cfg.FallbackLatency), false
	}
	return millis(s.clock.Since(start)), true
}

func (s *Sampler) measureBandwidth(ctx context.Context) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	q := url.Values{
		"bytes": {strconv.Itoa(s.cfg.PayloadBytes)},
		"t":     {uniuri.New()},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(BandwidthPath, q), nil)
	if err != nil {
		return s.cfg.MinBandwidthMbps, false
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := s.clock.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("Bandwidth probe failed, assuming minimum bandwidth")
		return s.cfg.MinBandwidthMbps, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logrus.WithField("status", resp.StatusCode).Debug("Bandwidth probe rejected, assuming minimum bandwidth")
		return s.cfg.MinBandwidthMbps, false
	}

	n, err := io.Copy(io.Discard, resp.Body)
	elapsed := s.clock.Since(start)
	switch {
	case n == 0:
		logrus.WithError(err).Debug("Bandwidth probe returned no data, assuming minimum bandwidth")
		return s.cfg.MinBandwidthMbps, false
	case err != nil:
		// A transfer cut off by the deadline still measures the link.
		logrus.WithFields(logrus.Fields{
			"bytes":   n,
			"elapsed": elapsed,
		}).WithError(err).Debug("Bandwidth probe cut short, using partial transfer")
		return s.partialBandwidth(n, elapsed), false
	}

	return s.bandwidthFrom(n, elapsed), true
}

// bandwidthFrom converts a transfer into Mbps. Transfers faster than
// MinElapsed are treated as served from a cache and yield the default.
func (s *Sampler) bandwidthFrom(n int64, elapsed time.Duration) float64 {
	if elapsed < s.cfg.MinElapsed {
		return s.cfg.DefaultBandwidthMbps
	}
	return s.rate(n, elapsed)
}

// partialBandwidth rates an incomplete transfer. A body that broke off
// before MinElapsed says nothing reliable and counts as the minimum.
func (s *Sampler) partialBandwidth(n int64, elapsed time.Duration) float64 {
	if elapsed < s.cfg.MinElapsed {
		return s.cfg.MinBandwidthMbps
	}
	return s.rate(n, elapsed)
}

func (s *Sampler) rate(n int64, elapsed time.Duration) float64 {
	mbps := float64(n) * 8 / elapsed.Seconds() / 1e6
	return clamp(mbps, s.cfg.MinBandwidthMbps, s.cfg.MaxBandwidthMbps)
}

func (s *Sampler) measureLoss(ctx context.Context) float64 {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	n := s.cfg.LossProbes
	nonce := uniuri.New()
	var ok atomic.Int32
	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		seq := i
		wg.Go(func() {
			q := url.Values{"seq": {strconv.Itoa(seq)}, "t": {nonce}}
			if err := s.ping(ctx, q); err == nil {
				ok.Add(1)
			}
		})
	}
	wg.Wait()

	return float64(n-int(ok.Load())) / float64(n) * 100
}

func (s *Sampler) ping(ctx context.Context, q url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(PingPath, q), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("ping returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Sampler) endpoint(path string, q url.Values) string {
	u := *s.base
	u.Path = joinPath(u.Path, path)
	u.RawQuery = q.Encode()
	return u.String()
}

func joinPath(base, p string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + p
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
