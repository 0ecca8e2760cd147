// Package downloads implements the DownloadRegistry module: an in-memory
// index of tracked downloads backed by a debounced, atomically-rewritten
// JSON file, with a per-user cap, a TTL sweep, and startup reconciliation
// against whatever is actually on disk. Grounded on the teacher's
// selectors.Manager for the debounced-write-behind and atomic
// write-to-tmp-then-rename idiom, generalized from a config file to a
// live, frequently-mutated index.
package downloads

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/core"
)

const (
	maxFilenameLen        = 200
	debounceSaveInterval  = time.Second
	ttlSweepInterval      = 60 * time.Second
	defaultMaxPerUser     = 500
	defaultTTL            = 24 * time.Hour
	watchDebounceInterval = 200 * time.Millisecond
)

var mimeByExt = map[string]string{
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".json": "application/json",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".html": "text/html",
	".htm":  "text/html",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

// adoptedFilePattern matches "{id}_{rest}" names, where id is either a
// uuid-style hex id or a "dl-<nanos>-<seq>" id as nextID mints, used to
// recognize orphaned files during reconciliation.
var adoptedFilePattern = regexp.MustCompile(`^([0-9a-fA-F-]{8,}|dl-[0-9]+-[0-9]+)_(.+)$`)

// Registry is the DownloadRegistry: an in-memory downloadId -> DownloadInfo
// map, debounce-saved to a JSON file, with per-user caps and TTL cleanup.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*core.DownloadInfo

	downloadsDir  string
	registryPath  string
	maxPerUser    int
	maxSizeBytes  int64
	ttl           time.Duration

	saveTimer *time.Timer
	saveMu    sync.Mutex

	watcher     *fsnotify.Watcher
	watchTimer  *time.Timer
	watchMu     sync.Mutex
	lastOwnSave atomic.Value // time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	idSeq int64
}

// Options configures a Registry.
type Options struct {
	DownloadsDir    string
	MaxPerUser      int
	MaxDownloadSize int64 // bytes; 0 means unbounded
	TTL             time.Duration
}

// New creates a Registry rooted at opts.DownloadsDir, runs startup
// reconciliation against the existing registry file and directory
// listing, and starts the TTL sweep.
func New(opts Options) (*Registry, error) {
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = defaultMaxPerUser
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if err := os.MkdirAll(opts.DownloadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}

	r := &Registry{
		entries:      make(map[string]*core.DownloadInfo),
		downloadsDir: opts.DownloadsDir,
		registryPath: filepath.Join(opts.DownloadsDir, "registry.json"),
		maxPerUser:   opts.MaxPerUser,
		maxSizeBytes: opts.MaxDownloadSize,
		ttl:          opts.TTL,
		stopCh:       make(chan struct{}),
	}

	if err := r.reconcileOnStartup(); err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go r.ttlSweepRoutine()

	if err := r.startFileWatcher(); err != nil {
		log.Warn().Err(err).Msg("download registry file watch unavailable, relying on in-process state only")
	}

	return r, nil
}

func (r *Registry) userDir(userID core.UserId) string {
	return filepath.Join(r.downloadsDir, urlencode(string(userID)))
}

func urlencode(s string) string {
	// Path-segment-safe encoding: replace the handful of characters that
	// would otherwise break a directory name.
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return replacer.Replace(s)
}

func (r *Registry) nextID() string {
	r.idSeq++
	return fmt.Sprintf("dl-%d-%d", time.Now().UnixNano(), r.idSeq)
}

// sanitizeFilename strips path separators and NULs, trims, and caps
// length; an empty result becomes "download".
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimSpace(name)
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	if name == "" {
		return "download"
	}
	return name
}

// guessMimeType maps a filename's extension (case-insensitive, last dot
// wins) to a MIME type, defaulting to application/octet-stream.
func guessMimeType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := mimeByExt[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}

// StartDownload registers a pending download and returns its id and the
// path it should be saved to. The caller is responsible for driving the
// actual engine-side save and calling Finalize when it settles.
func (r *Registry) StartDownload(userID core.UserId, tabID core.TabId, url, suggestedFilename string) (*core.DownloadInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictIfOverCapLocked(userID)

	id := r.nextID()
	safe := sanitizeFilename(suggestedFilename)
	savedFilename := fmt.Sprintf("%s_%s", id, safe)

	dir := r.userDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create user download dir: %w", err)
	}

	info := &core.DownloadInfo{
		ID:        id,
		TabId:     tabID,
		UserId:    userID,
		URL:       url,
		Filename:  savedFilename,
		Path:      filepath.Join(dir, savedFilename),
		MimeType:  guessMimeType(safe),
		Status:    core.DownloadPending,
		CreatedAt: time.Now(),
	}
	r.entries[id] = info
	r.scheduleSave()

	return info, nil
}

// evictIfOverCapLocked evicts the oldest non-pending entry for userID if
// the user is already at maxPerUser. Pending entries are never evicted.
func (r *Registry) evictIfOverCapLocked(userID core.UserId) {
	var userEntries []*core.DownloadInfo
	for _, e := range r.entries {
		if e.UserId == userID {
			userEntries = append(userEntries, e)
		}
	}
	if len(userEntries) < r.maxPerUser {
		return
	}

	var oldest *core.DownloadInfo
	for _, e := range userEntries {
		if e.Status == core.DownloadPending {
			continue
		}
		ts := e.CompletedAt
		if ts.IsZero() {
			ts = e.CreatedAt
		}
		if oldest == nil {
			oldest = e
			continue
		}
		oldestTs := oldest.CompletedAt
		if oldestTs.IsZero() {
			oldestTs = oldest.CreatedAt
		}
		if ts.Before(oldestTs) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}
	_ = os.Remove(oldest.Path)
	delete(r.entries, oldest.ID)
}

// Finalize transitions a pending download to completed/failed/canceled
// after the browser engine reports the outcome. engineErr is the failure
// reported by the engine, if any; nil means the engine reports success and
// the file is statted from disk.
func (r *Registry) Finalize(id string, engineErr error) error {
	r.mu.Lock()
	info, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return core.NewNotFoundError("download not found", core.ErrDownloadNotFound)
	}

	if engineErr != nil {
		status := core.DownloadFailed
		if strings.Contains(strings.ToLower(engineErr.Error()), "cancel") {
			status = core.DownloadCanceled
		}
		r.mu.Lock()
		info.Status = status
		info.Error = engineErr.Error()
		r.mu.Unlock()
		r.scheduleSave()
		return nil
	}

	stat, err := os.Stat(info.Path)
	if err != nil {
		r.mu.Lock()
		info.Status = core.DownloadFailed
		info.Error = fmt.Sprintf("stat failed: %v", err)
		r.mu.Unlock()
		r.scheduleSave()
		return nil
	}

	if r.maxSizeBytes > 0 && stat.Size() > r.maxSizeBytes {
		_ = os.Remove(info.Path)
		r.mu.Lock()
		info.Status = core.DownloadFailed
		info.Error = "download exceeds maximum allowed size"
		r.mu.Unlock()
		r.scheduleSave()
		return nil
	}

	r.mu.Lock()
	info.SizeBytes = stat.Size()
	info.Status = core.DownloadCompleted
	info.CompletedAt = time.Now()
	r.mu.Unlock()
	r.scheduleSave()
	return nil
}

// Get returns one download by id.
func (r *Registry) Get(id string) (*core.DownloadInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[id]
	if !ok {
		return nil, core.NewNotFoundError("download not found", core.ErrDownloadNotFound)
	}
	cp := *info
	return &cp, nil
}

// ListForUser returns every download belonging to userID.
func (r *Registry) ListForUser(userID core.UserId) []*core.DownloadInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*core.DownloadInfo
	for _, e := range r.entries {
		if e.UserId == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetRecentDownloads returns tabID's downloads started within the last
// window, newest first, for Click to report triggered downloads inline.
func (r *Registry) GetRecentDownloads(tabID core.TabId, window time.Duration) []*core.DownloadInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var out []*core.DownloadInfo
	for _, e := range r.entries {
		if e.TabId == tabID && e.CreatedAt.After(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Delete unlinks a download's file (errors ignored) and removes its entry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	info, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return core.NewNotFoundError("download not found", core.ErrDownloadNotFound)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	_ = os.Remove(info.Path)
	r.scheduleSave()
	return nil
}

// Count returns the number of tracked downloads, for the admin surface.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) ttlSweepRoutine() {
	defer r.wg.Done()
	ticker := time.NewTicker(ttlSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepExpired()
		case <-r.stopCh:
			return
		}
	}
}

// sweepExpired removes completed/failed/canceled entries older than ttl.
// Pending entries are never touched.
func (r *Registry) sweepExpired() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var toRemove []*core.DownloadInfo
	for id, e := range r.entries {
		if e.Status == core.DownloadPending {
			continue
		}
		ts := e.CompletedAt
		if ts.IsZero() {
			ts = e.CreatedAt
		}
		if ts.Before(cutoff) {
			toRemove = append(toRemove, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	if len(toRemove) == 0 {
		return
	}
	for _, e := range toRemove {
		_ = os.Remove(e.Path)
	}
	r.scheduleSave()
}

// Close stops the TTL sweep and file watcher, and flushes a final save.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
		err = r.saveNow()
	})
	return err
}

// startFileWatcher watches downloadsDir (rather than registryPath directly,
// since saveNow replaces the file via rename and a watch on a path can miss
// the new inode) for changes to registry.json, so a second process writing
// the same registry file - or a restart that leaves a stale lock/partial
// write behind - is picked up without requiring this process to restart.
// Grounded on the teacher's selectors.Manager.startWatcher/watchFile, same
// debounce-then-reload shape generalized to a merge instead of a swap.
func (r *Registry) startFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(r.downloadsDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch downloads dir: %w", err)
	}
	r.watcher = watcher
	r.wg.Add(1)
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	defer r.wg.Done()
	registryBase := filepath.Base(r.registryPath)

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != registryBase {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if last, ok := r.lastOwnSave.Load().(time.Time); ok && time.Since(last) < watchDebounceInterval {
				// Our own saveNow just replaced this file; skip the echo.
				continue
			}
			r.scheduleExternalReconcile()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("download registry file watcher error")
		case <-r.stopCh:
			return
		}
	}
}

// scheduleExternalReconcile debounces reloadExternal the same way
// scheduleSave debounces writes, so a burst of events from one rename
// collapses into a single reconciliation pass.
func (r *Registry) scheduleExternalReconcile() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.watchTimer != nil {
		r.watchTimer.Stop()
	}
	r.watchTimer = time.AfterFunc(watchDebounceInterval, func() {
		if err := r.mergeExternalChanges(); err != nil {
			log.Warn().Err(err).Msg("failed to reconcile download registry after external change")
		} else {
			log.Info().Msg("reconciled download registry from externally changed file")
		}
	})
}

// mergeExternalChanges re-reads the persisted registry file and adopts any
// entry this process doesn't already know about, without discarding
// in-memory entries the file doesn't mention (e.g. still-pending downloads
// this process started after the file was last read).
func (r *Registry) mergeExternalChanges() error {
	loaded := r.loadPersisted()

	r.mu.Lock()
	added := 0
	for id, e := range loaded {
		if _, known := r.entries[id]; known {
			continue
		}
		if _, err := os.Stat(e.Path); err != nil {
			continue
		}
		r.entries[id] = e
		added++
	}
	r.mu.Unlock()

	if added == 0 {
		return nil
	}
	return r.saveNow()
}

// scheduleSave debounces persistence: repeated mutations within
// debounceSaveInterval collapse into a single write.
func (r *Registry) scheduleSave() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveTimer = time.AfterFunc(debounceSaveInterval, func() {
		if err := r.saveNow(); err != nil {
			log.Error().Err(err).Msg("download registry save failed")
		}
	})
}

// saveNow atomically rewrites the registry file: write to a temp file in
// the same directory, fsync, then rename over the target.
func (r *Registry) saveNow() error {
	r.mu.Lock()
	snapshot := make(map[string]*core.DownloadInfo, len(r.entries))
	for id, e := range r.entries {
		cp := *e
		snapshot[id] = &cp
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp, err := os.CreateTemp(r.downloadsDir, "registry-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, r.registryPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp registry file: %w", err)
	}
	r.lastOwnSave.Store(time.Now())
	return nil
}

// reconcileOnStartup loads the persisted registry, drops entries whose
// backing file is gone, then scans each user directory for files the
// registry doesn't know about (adopted as completed downloads) before
// persisting the rebuilt state immediately.
func (r *Registry) reconcileOnStartup() error {
	loaded := r.loadPersisted()

	r.mu.Lock()
	for id, e := range loaded {
		if _, err := os.Stat(e.Path); err != nil {
			continue
		}
		r.entries[id] = e
	}
	r.mu.Unlock()

	r.adoptOrphanedFiles()

	return r.saveNow()
}

func (r *Registry) loadPersisted() map[string]*core.DownloadInfo {
	out := make(map[string]*core.DownloadInfo)

	data, err := os.ReadFile(r.registryPath)
	if err != nil {
		return out
	}

	var byID map[string]*core.DownloadInfo
	if err := json.Unmarshal(data, &byID); err != nil {
		log.Warn().Err(err).Msg("discarding unreadable download registry file")
		return out
	}
	for id, e := range byID {
		out[id] = e
	}
	return out
}

// adoptOrphanedFiles walks every per-user directory under downloadsDir and
// registers any "{id}_{rest}" file (see adoptedFilePattern) not already tracked as a completed
// download with a best-effort MIME guess and a tabId of "unknown".
func (r *Registry) adoptOrphanedFiles() {
	userDirs, err := os.ReadDir(r.downloadsDir)
	if err != nil {
		return
	}

	r.mu.Lock()
	knownPaths := make(map[string]bool, len(r.entries))
	for _, e := range r.entries {
		knownPaths[e.Path] = true
	}
	r.mu.Unlock()

	for _, ud := range userDirs {
		if !ud.IsDir() {
			continue
		}
		userID := core.UserId(ud.Name())
		dirPath := filepath.Join(r.downloadsDir, ud.Name())

		files, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			path := filepath.Join(dirPath, f.Name())
			if knownPaths[path] {
				continue
			}
			m := adoptedFilePattern.FindStringSubmatch(f.Name())
			if m == nil {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}

			adopted := &core.DownloadInfo{
				ID:          m[1],
				TabId:       core.TabId("unknown"),
				UserId:      userID,
				Filename:    f.Name(),
				Path:        path,
				MimeType:    guessMimeType(m[2]),
				SizeBytes:   info.Size(),
				Status:      core.DownloadCompleted,
				CreatedAt:   info.ModTime(),
				CompletedAt: info.ModTime(),
			}

			r.mu.Lock()
			r.entries[adopted.ID] = adopted
			r.mu.Unlock()
		}
	}
}
