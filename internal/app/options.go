package app

import (
	"bufio"
	"fmt"
	"os"

	"actindex/internal/collector"
	"actindex/internal/config"
)

// CollectorOptions converts the configuration into collector options. Zero
// values keep the collector defaults; booleans are taken as configured.
// Patterns from the exclude file are appended to the configured paths.
func CollectorOptions(cfg *config.Config) (collector.Options, error) {
	c := cfg.Collector
	opts := collector.DefaultOptions()
	opts.MachineName = cfg.HostID

	if len(c.Volumes) > 0 {
		opts.Volumes = append([]string(nil), c.Volumes...)
	}
	if c.BufferSize > 0 {
		opts.BufferSize = c.BufferSize
	}
	if c.PollInterval.Duration > 0 {
		opts.PollInterval = c.PollInterval.Duration
	}
	opts.IncludeClose = c.IncludeClose
	if c.MaxBacklog > 0 {
		opts.MaxBacklog = c.MaxBacklog
	}
	if c.StartPosition != "" {
		opts.StartPosition = c.StartPosition
	}
	opts.ExcludePaths = append([]string(nil), c.ExcludePaths...)
	if c.ExcludeFile != "" {
		patterns, err := readExcludeFile(c.ExcludeFile)
		if err != nil {
			return opts, err
		}
		opts.ExcludePaths = append(opts.ExcludePaths, patterns...)
	}
	opts.ExcludeProcesses = c.ExcludeProcesses
	opts.ExcludeExtensions = c.ExcludeExtensions
	if c.PathCacheSize > 0 {
		opts.PathCacheSize = c.PathCacheSize
	}

	if c.AttachmentDetection != nil {
		opts.AttachmentDetection = *c.AttachmentDetection
	}
	if c.AttachmentThreshold > 0 {
		opts.AttachmentThreshold = c.AttachmentThreshold
	}
	if c.MailClient != "" {
		opts.MailClient = c.MailClient
	}
	if c.StopTimeout.Duration > 0 {
		opts.StopTimeout = c.StopTimeout.Duration
	}

	opts.MailCorrelation = cfg.Mail.Enabled
	if cfg.Mail.PollInterval.Duration > 0 {
		opts.MailPollInterval = cfg.Mail.PollInterval.Duration
	}
	return opts, nil
}

// readExcludeFile returns the lines of an exclude file. Blank lines and
// comments are dropped later by the collector filter. A missing file yields
// no patterns.
func readExcludeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclude file: %w", err)
	}
	return patterns, nil
}
