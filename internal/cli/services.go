package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/auth"
	"github.com/dl-alexandre/dbxsync/internal/config"
	"github.com/dl-alexandre/dbxsync/internal/dropbox"
	"github.com/dl-alexandre/dbxsync/internal/errors"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/metrics"
	"github.com/dl-alexandre/dbxsync/internal/search"
	"github.com/dl-alexandre/dbxsync/internal/sync/journal"
)

// services holds the clients a command works with
type services struct {
	cfg     *config.Config
	creds   *auth.Credentials
	dropbox *dropbox.Client
	index   *search.Client
	journal *journal.DB
	metrics *metrics.Recorder
}

// serviceOptions selects what openServices builds
type serviceOptions struct {
	Index   bool
	Journal bool
	// DropboxTimeout overrides the request timeout; downloads use zero
	DropboxTimeout *time.Duration
}

func openServices(ctx context.Context, cfg *config.Config, opts serviceOptions) (*services, error) {
	authMgr := auth.NewManager(getConfigDir())
	if w := authMgr.StorageWarning(); w != "" {
		logger.Debug(w)
	}
	creds, err := authMgr.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	s := &services{cfg: cfg, creds: creds, metrics: metrics.NewRecorder()}

	timeout := cfg.GetRequestTimeout()
	if opts.DropboxTimeout != nil {
		timeout = *opts.DropboxTimeout
	}
	httpClient := authMgr.HTTPClient(ctx, creds, s.transport(errors.ServiceDropbox, http.DefaultTransport), timeout)
	s.dropbox = dropbox.NewClient(httpClient, dropbox.Options{
		APIURL:        cfg.Dropbox.APIURL,
		ContentURL:    cfg.Dropbox.ContentURL,
		AdminMemberID: cfg.Dropbox.AdminMemberID,
		MaxRetries:    cfg.MaxRetries,
		RetryDelayMs:  cfg.RetryBaseDelay,
		Logger:        logger,
	})

	if opts.Index {
		s.index = search.NewClient(search.Options{
			URL:                cfg.Index.URL,
			Index:              cfg.Index.Name,
			Username:           creds.IndexUsername,
			Password:           creds.IndexPassword,
			InsecureSkipVerify: cfg.Index.InsecureSkipVerify,
			Timeout:            cfg.GetRequestTimeout(),
			MaxRetries:         cfg.MaxRetries,
			RetryDelayMs:       cfg.RetryBaseDelay,
			Transport: func(base http.RoundTripper) http.RoundTripper {
				return s.transport(errors.ServiceIndex, base)
			},
			Logger: logger,
		})
	}

	if opts.Journal {
		s.journal, err = openJournal(cfg)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// transport layers debug logging and request metrics over base
func (s *services) transport(service string, base http.RoundTripper) http.RoundTripper {
	if debugTransport != nil {
		base = &logging.DebugTransport{Base: base, Logger: logger}
	}
	return s.metrics.InstrumentTransport(service, base)
}

// writeMetrics exports the run metrics when a textfile is configured
func (s *services) writeMetrics(out *OutputWriter) {
	if s.cfg.MetricsFile == "" {
		return
	}
	if err := s.metrics.WriteTextfile(s.cfg.MetricsFile); err != nil {
		logger.Warn("Failed to write metrics", logging.F("path", s.cfg.MetricsFile), logging.F("error", err.Error()))
		out.AddWarning("METRICS_WRITE_FAILED", err.Error(), "warning")
	}
}

func (s *services) Close() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
}

func openJournal(cfg *config.Config) (*journal.DB, error) {
	path, err := cfg.GetJournalPath()
	if err != nil {
		return nil, err
	}
	return journal.Open(path)
}
