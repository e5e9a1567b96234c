package certstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gruxhq/grux/internal/logging"
	"github.com/gruxhq/grux/internal/metrics"
)

// FileSource is one static certificate pair tracked for renewal.
type FileSource struct {
	Hostname string
	CertFile string
	KeyFile  string
}

// Renewer reloads static certificates from disk when the served one enters
// the renewal window, picking up replacements dropped in place by an
// external issuance process. A failed reload is retried with exponential
// backoff and never removes the currently served certificate.
type Renewer struct {
	store    *Store
	sources  []FileSource
	interval time.Duration
	window   time.Duration
}

// NewRenewer creates a renewer checking every interval. Certificates with
// less than window left before expiry are reloaded.
func NewRenewer(store *Store, sources []FileSource, interval, window time.Duration) *Renewer {
	if interval <= 0 {
		interval = time.Hour
	}
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Renewer{
		store:    store,
		sources:  sources,
		interval: interval,
		window:   window,
	}
}

// Run blocks until ctx is done, checking certificates periodically.
func (r *Renewer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAll(ctx)
		}
	}
}

func (r *Renewer) checkAll(ctx context.Context) {
	for _, src := range r.sources {
		if !r.needsRenewal(src) {
			continue
		}
		r.renew(ctx, src)
	}
}

// needsRenewal reports whether the served certificate for the source is
// inside the renewal window or absent.
func (r *Renewer) needsRenewal(src FileSource) bool {
	for _, info := range r.store.Status() {
		if info.Hostname != src.Hostname {
			continue
		}
		return time.Until(info.NotAfter) < r.window
	}
	return true
}

// renew reloads one certificate pair with retries. On persistent failure
// the old certificate stays in place; a still-valid certificate is never
// evicted by a failed renewal.
func (r *Renewer) renew(ctx context.Context, src FileSource) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)

	cert, err := backoff.RetryWithData(func() (*tls.Certificate, error) {
		loaded, err := tls.LoadX509KeyPair(src.CertFile, src.KeyFile)
		if err != nil {
			return nil, err
		}
		if loaded.Leaf == nil && len(loaded.Certificate) > 0 {
			loaded.Leaf, _ = x509.ParseCertificate(loaded.Certificate[0])
		}
		return &loaded, nil
	}, policy)

	if err != nil {
		metrics.CertRenewalFailures.Inc()
		logging.Error("certificate renewal failed, keeping current certificate",
			zap.String("hostname", src.Hostname),
			zap.String("cert_file", src.CertFile),
			zap.Error(err))
		return
	}

	// Only publish if the reloaded certificate is actually newer.
	if cert.Leaf != nil {
		for _, info := range r.store.Status() {
			if info.Hostname == src.Hostname && !cert.Leaf.NotAfter.After(info.NotAfter) {
				return
			}
		}
	}

	var notAfter time.Time
	if cert.Leaf != nil {
		notAfter = cert.Leaf.NotAfter
	}

	r.store.Update(src.Hostname, cert)
	logging.Info("certificate renewed",
		zap.String("hostname", src.Hostname),
		zap.Time("not_after", notAfter))
}
