package network

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// PolicyFile is the on-disk tuning file:
//
//	edges:
//	  floor: 10
//	  weights:
//	    coworker: {base: 80, ghost_penalty: 20}
//	scoring:
//	  strength: 0.4
//	  ...
//	max_group_size: 50
//
// Missing sections keep their defaults.
type PolicyFile struct {
	Edges        domain.EdgeWeightPolicy `yaml:"edges"`
	Scoring      *domain.ScoringPolicy   `yaml:"scoring"`
	MaxGroupSize int                     `yaml:"max_group_size"`
	SampleWindow int                     `yaml:"sample_window"`
}

// Policies is a validated, defaults-applied PolicyFile.
type Policies struct {
	Edges        domain.EdgeWeightPolicy
	Scoring      domain.ScoringPolicy
	MaxGroupSize int
	SampleWindow int
}

// DefaultPolicies returns the built-in tuning.
func DefaultPolicies() Policies {
	return Policies{
		Edges:        domain.DefaultEdgeWeightPolicy(),
		Scoring:      domain.DefaultScoringPolicy(),
		MaxGroupSize: DefaultMaxGroupSize,
		SampleWindow: DefaultSampleWindow,
	}
}

// ParsePolicies decodes YAML over the defaults and validates the result.
func ParsePolicies(data []byte) (Policies, error) {
	var f PolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policies{}, fmt.Errorf("policy: decode: %w", err)
	}
	out := DefaultPolicies()
	out.Edges = out.Edges.Merge(f.Edges)
	if f.Scoring != nil {
		out.Scoring = *f.Scoring
		if len(out.Scoring.NotableCompanies) == 0 {
			out.Scoring.NotableCompanies = domain.DefaultScoringPolicy().NotableCompanies
		}
		if len(out.Scoring.SeniorTitles) == 0 {
			out.Scoring.SeniorTitles = domain.DefaultScoringPolicy().SeniorTitles
		}
	}
	if f.MaxGroupSize > 0 {
		out.MaxGroupSize = f.MaxGroupSize
	}
	if f.SampleWindow > 0 {
		out.SampleWindow = f.SampleWindow
	}
	if err := out.Edges.Validate(); err != nil {
		return Policies{}, err
	}
	if err := out.Scoring.Validate(); err != nil {
		return Policies{}, err
	}
	if out.MaxGroupSize < 2 {
		return Policies{}, fmt.Errorf("policy: max_group_size %d must be at least 2", out.MaxGroupSize)
	}
	return out, nil
}

// LoadPolicies reads and parses a policy file. An empty path yields the
// defaults.
func LoadPolicies(path string) (Policies, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policies{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return ParsePolicies(data)
}

// Apply installs p on the builder. Returns the edge policy error if any.
func (b *Builder) Apply(p Policies) error {
	if err := b.SetPolicy(p.Edges); err != nil {
		return err
	}
	b.mu.Lock()
	b.MaxGroupSize = p.MaxGroupSize
	b.SampleWindow = p.SampleWindow
	b.mu.Unlock()
	return nil
}

var policyDebounce = 200 * time.Millisecond

// PolicyWatcher reloads a policy file when it changes on disk and hands each
// valid version to the registered callbacks. Invalid edits are logged and
// the previous policies stay in force.
type PolicyWatcher struct {
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu        sync.RWMutex
	current   Policies
	callbacks []func(Policies)

	stopCh chan struct{}
	done   chan struct{}
}

// NewPolicyWatcher loads path and starts watching its directory, so editors
// that replace the file by rename are picked up.
func NewPolicyWatcher(path string, logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	initial, err := LoadPolicies(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", path, err)
	}
	w := &PolicyWatcher{
		path:     path,
		logger:   logger,
		watcher:  fw,
		debounce: policyDebounce,
		current:  initial,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	logger.Info("policy watcher started", "path", path)
	return w, nil
}

// Current returns the policies in force.
func (w *PolicyWatcher) Current() Policies {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to receive every reloaded version.
func (w *PolicyWatcher) OnChange(fn func(Policies)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Close stops the watcher and waits for its goroutine.
func (w *PolicyWatcher) Close() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.done
	return nil
}

func (w *PolicyWatcher) loop() {
	defer close(w.done)
	defer w.watcher.Close()

	var timer *time.Timer
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy watcher error", "err", err)
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *PolicyWatcher) reload() {
	p, err := LoadPolicies(w.path)
	if err != nil {
		w.logger.Error("policy reload rejected", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	w.current = p
	cbs := append([]func(Policies){}, w.callbacks...)
	w.mu.Unlock()
	for _, fn := range cbs {
		fn(p)
	}
	w.logger.Info("policy reloaded", "path", w.path, "callbacks", len(cbs))
}
