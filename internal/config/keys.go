package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type setter func(c *Config, value string) error

func stringKey(field func(*Config) *string) setter {
	return func(c *Config, value string) error {
		*field(c) = value
		return nil
	}
}

func intKey(field func(*Config) *int) setter {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer: %q", value)
		}
		*field(c) = n
		return nil
	}
}

func boolKey(field func(*Config) *bool) setter {
	return func(c *Config, value string) error {
		*field(c) = parseBool(value)
		return nil
	}
}

func listKey(field func(*Config) *[]string) setter {
	return func(c *Config, value string) error {
		*field(c) = SplitList(value)
		return nil
	}
}

// settable lists the keys 'config set' accepts. Secrets are absent; they
// belong in the keyring.
var settable = map[string]setter{
	"dropbox.apiurl":        stringKey(func(c *Config) *string { return &c.Dropbox.APIURL }),
	"dropbox.contenturl":    stringKey(func(c *Config) *string { return &c.Dropbox.ContentURL }),
	"dropbox.adminmemberid": stringKey(func(c *Config) *string { return &c.Dropbox.AdminMemberID }),
	"dropbox.appkey":        stringKey(func(c *Config) *string { return &c.Dropbox.AppKey }),
	"index.url":             stringKey(func(c *Config) *string { return &c.Index.URL }),
	"index.name":            stringKey(func(c *Config) *string { return &c.Index.Name }),
	"index.username":        stringKey(func(c *Config) *string { return &c.Index.Username }),
	"index.batchsize":       intKey(func(c *Config) *int { return &c.Index.BatchSize }),
	"index.scanpagesize":    intKey(func(c *Config) *int { return &c.Index.ScanPageSize }),
	"index.scrollkeepalive": stringKey(func(c *Config) *string { return &c.Index.ScrollKeepAlive }),
	"index.scanrestarts":    intKey(func(c *Config) *int { return &c.Index.ScanRestarts }),
	"index.insecure":        boolKey(func(c *Config) *bool { return &c.Index.InsecureSkipVerify }),
	"index.refresh":         boolKey(func(c *Config) *bool { return &c.Index.Refresh }),
	"sync.workers":          intKey(func(c *Config) *int { return &c.Sync.Workers }),
	"sync.failurepolicy":    stringKey(func(c *Config) *string { return &c.Sync.FailurePolicy }),
	"sync.reportfile":       stringKey(func(c *Config) *string { return &c.Sync.ReportFile }),
	"sync.stream":           boolKey(func(c *Config) *bool { return &c.Sync.Stream }),
	"sync.folders":          listKey(func(c *Config) *[]string { return &c.Sync.Folders }),
	"download.folder":       stringKey(func(c *Config) *string { return &c.Download.Folder }),
	"download.root":         stringKey(func(c *Config) *string { return &c.Download.Root }),
	"download.limit":        intKey(func(c *Config) *int { return &c.Download.Limit }),
	"download.exclude":      listKey(func(c *Config) *[]string { return &c.Download.Exclude }),
	"maxretries":            intKey(func(c *Config) *int { return &c.MaxRetries }),
	"retrybasedelay":        intKey(func(c *Config) *int { return &c.RetryBaseDelay }),
	"requesttimeout":        intKey(func(c *Config) *int { return &c.RequestTimeout }),
	"loglevel":              stringKey(func(c *Config) *string { return &c.LogLevel }),
	"logfile":               stringKey(func(c *Config) *string { return &c.LogFile }),
	"journalpath":           stringKey(func(c *Config) *string { return &c.JournalPath }),
	"metricsfile":           stringKey(func(c *Config) *string { return &c.MetricsFile }),
	"coloroutput":           boolKey(func(c *Config) *bool { return &c.ColorOutput }),
}

// Keys returns every key Set accepts, sorted
func Keys() []string {
	keys := make([]string, 0, len(settable))
	for k := range settable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one key, case-insensitively, and validates the result. The
// config is left unchanged when the value is rejected.
func (c *Config) Set(key, value string) error {
	set, ok := settable[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	next := *c
	next.Sync.Folders = append([]string(nil), c.Sync.Folders...)
	next.Download.Exclude = append([]string(nil), c.Download.Exclude...)
	if err := set(&next, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
