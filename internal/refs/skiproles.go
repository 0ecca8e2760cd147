package refs

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// skipRoleDoc is the YAML shape of an external skip-role override file:
// additional roles to treat as interactive, and additional name patterns
// (regexes) whose matches are excluded even if the role is interactive.
// Either list may be empty; both are additive over the embedded defaults.
type skipRoleDoc struct {
	ExtraInteractiveRoles []string `yaml:"extraInteractiveRoles"`
	ExtraSkipNamePatterns []string `yaml:"extraSkipNamePatterns"`
}

// SkipConfig is the compiled, ready-to-use rule set Table.eligible consults.
type SkipConfig struct {
	interactiveRoles map[string]bool
	skipPatterns     []*regexp.Regexp
}

func embeddedSkipConfig() *SkipConfig {
	roles := make(map[string]bool, len(interactiveRoles))
	for k, v := range interactiveRoles {
		roles[k] = v
	}
	patterns := make([]*regexp.Regexp, len(skipNamePatterns))
	copy(patterns, skipNamePatterns)
	return &SkipConfig{interactiveRoles: roles, skipPatterns: patterns}
}

func (c *SkipConfig) eligible(roleLower, name string) bool {
	if roleLower == "combobox" {
		return false
	}
	if !c.interactiveRoles[roleLower] {
		return false
	}
	for _, p := range c.skipPatterns {
		if p.MatchString(name) {
			return false
		}
	}
	return true
}

func (c *SkipConfig) mergeExternal(doc skipRoleDoc) (*SkipConfig, error) {
	merged := &SkipConfig{
		interactiveRoles: make(map[string]bool, len(c.interactiveRoles)+len(doc.ExtraInteractiveRoles)),
		skipPatterns:     append([]*regexp.Regexp{}, c.skipPatterns...),
	}
	for k, v := range c.interactiveRoles {
		merged.interactiveRoles[k] = v
	}
	for _, role := range doc.ExtraInteractiveRoles {
		merged.interactiveRoles[role] = true
	}
	for _, pat := range doc.ExtraSkipNamePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid extraSkipNamePatterns entry %q: %w", pat, err)
		}
		merged.skipPatterns = append(merged.skipPatterns, re)
	}
	return merged, nil
}

// SkipRoleManager owns the current SkipConfig, optionally hot-reloaded from
// an external YAML override file. Grounded on the teacher's
// selectors.Manager: embedded defaults plus an atomic.Value swap for a
// lock-free read path, with a file-watch-triggered reload. Reloads are not
// debounced: every write or create event on the file triggers one.
type SkipRoleManager struct {
	embedded     *SkipConfig
	current      atomic.Value // *SkipConfig
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	closed       bool
}

// NewSkipRoleManager builds a manager seeded with the embedded defaults. If
// externalPath is empty, embedded defaults are used unconditionally. If
// hotReload is true and externalPath is set, file writes trigger reloads.
func NewSkipRoleManager(externalPath string, hotReload bool) (*SkipRoleManager, error) {
	m := &SkipRoleManager{
		embedded:     embeddedSkipConfig(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.embedded)

	if externalPath == "" {
		return m, nil
	}

	if err := m.reloadLocked(); err != nil {
		log.Warn().Err(err).Str("path", externalPath).
			Msg("failed to load external ref skip-role file, using embedded defaults")
	} else {
		log.Info().Str("path", externalPath).Msg("loaded external ref skip-role overrides")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", externalPath).
				Msg("failed to start ref skip-role file watcher, hot reload disabled")
		}
	}

	return m, nil
}

// Get returns the current SkipConfig. Lock-free, safe for concurrent use
// from every tab's snapshot build.
func (m *SkipRoleManager) Get() *SkipConfig {
	return m.current.Load().(*SkipConfig)
}

func (m *SkipRoleManager) reloadLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		return fmt.Errorf("read skip-role file: %w", err)
	}
	var doc skipRoleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse skip-role file: %w", err)
	}
	merged, err := m.embedded.mergeExternal(doc)
	if err != nil {
		return err
	}
	m.current.Store(merged)
	return nil
}

func (m *SkipRoleManager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch file: %w", err)
	}
	m.watcher = watcher
	m.wg.Add(1)
	go m.watchFile()
	return nil
}

func (m *SkipRoleManager) watchFile() {
	defer m.wg.Done()
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.mu.Lock()
			if err := m.reloadLocked(); err != nil {
				log.Warn().Err(err).Msg("failed to reload ref skip-role overrides")
			} else {
				log.Info().Msg("reloaded ref skip-role overrides")
			}
			m.mu.Unlock()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("ref skip-role file watcher error")
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the file watcher, if any. Safe to call multiple times.
func (m *SkipRoleManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

var defaultSkipRoles atomic.Value // *SkipRoleManager

func init() {
	mgr, _ := NewSkipRoleManager("", false)
	defaultSkipRoles.Store(mgr)
}

// Configure installs the process-wide skip-role manager, replacing the
// embedded-only default. Call once at startup with the configured override
// path; every Table created afterwards consults the installed manager.
func Configure(externalPath string, hotReload bool) error {
	mgr, err := NewSkipRoleManager(externalPath, hotReload)
	if err != nil {
		return err
	}
	if prev, ok := defaultSkipRoles.Load().(*SkipRoleManager); ok && prev != nil {
		_ = prev.Close()
	}
	defaultSkipRoles.Store(mgr)
	return nil
}

func currentSkipConfig() *SkipConfig {
	return defaultSkipRoles.Load().(*SkipRoleManager).Get()
}

// CloseConfigured stops the installed skip-role manager's file watcher, if
// any. Call once during shutdown.
func CloseConfigured() {
	if mgr, ok := defaultSkipRoles.Load().(*SkipRoleManager); ok && mgr != nil {
		_ = mgr.Close()
	}
}
