package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/internal/rules"
	"github.com/venuescout/accessguard/pkg/access"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk policy file
type Document struct {
	Policies       []access.Policy                 `yaml:"policies"`
	AccessRules    []access.AccessRule             `yaml:"access_rules"`
	DetectionRules []access.DetectionRule          `yaml:"detection_rules"`
	RateLimits     map[string]access.RateLimitRule `yaml:"rate_limits"`
}

// LoadFile reads and validates a policy document
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes and validates a policy document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	doc := &Document{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	for endpoint, rule := range doc.RateLimits {
		rule.Endpoint = endpoint
		doc.RateLimits[endpoint] = rule
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks every section of the document
func (d *Document) Validate() error {
	if err := Validate(d.Policies); err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	if err := rules.ValidateAccessRules(d.AccessRules); err != nil {
		return fmt.Errorf("access_rules: %w", err)
	}
	if err := rules.ValidateDetectionRules(d.DetectionRules); err != nil {
		return fmt.Errorf("detection_rules: %w", err)
	}

	var errs access.ValidationErrors
	for endpoint, rule := range d.RateLimits {
		if rule.Window <= 0 {
			errs.Add("rate_limits."+endpoint+".window", rule.Window.String(), "window must be positive")
		}
		if rule.MaxRequests <= 0 {
			errs.Add("rate_limits."+endpoint+".max_requests", fmt.Sprintf("%d", rule.MaxRequests), "max_requests must be positive")
		}
		if rule.BlockDuration < 0 {
			errs.Add("rate_limits."+endpoint+".block_duration", rule.BlockDuration.String(), "block_duration must not be negative")
		}
	}
	if err := errs.OrNil(); err != nil {
		return fmt.Errorf("rate_limits: %w", err)
	}
	return nil
}

// Watch reloads path whenever it changes and hands the document to apply.
// Invalid documents are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *logrus.Logger, apply func(*Document) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	const debounce = 250 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	log := logger.WithField("policy_file", abs)
	log.Info("Watching policy file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Policy watcher error")

		case <-timer.C:
			doc, err := LoadFile(abs)
			if err != nil {
				log.WithError(err).Error("Rejected policy file change")
				continue
			}
			if err := apply(doc); err != nil {
				log.WithError(err).Error("Failed to apply policy file")
				continue
			}
			log.WithFields(logrus.Fields{
				"policies":        len(doc.Policies),
				"access_rules":    len(doc.AccessRules),
				"detection_rules": len(doc.DetectionRules),
			}).Info("Reloaded policy file")
		}
	}
}
