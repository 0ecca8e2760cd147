package core

import "time"

// UserId identifies the tenant whose persistent browser context, rate
// limit bucket, and health state are tracked. It is caller-supplied and
// opaque to the orchestrator beyond being used as a map key and a path
// component (profile directories are keyed by it).
type UserId string

// SessionKey identifies a session: a logical unit of work for a user,
// owning one or more TabGroups.
type SessionKey string

// TabGroupId identifies a group of tabs opened together (e.g. a single
// "research session" spanning several pages) within a Session.
type TabGroupId string

// TabId identifies a single browser tab/page. TabIds are globally unique
// across the whole registry so the reverse index (TabId -> SessionKey) can
// be a flat map.
type TabId string

// RefId is a stable, session-scoped accessibility-snapshot reference of the
// form "e123" minted by the SnapshotPipeline and resolved by the RefTable.
type RefId string

// Session is the root of the session -> tabGroup -> tab tree.
type Session struct {
	Key       SessionKey
	UserId    UserId
	TabGroups map[TabGroupId]*TabGroup
	CreatedAt time.Time
	LastUsed  time.Time
}

// TabGroup holds the tabs opened together under one Session.
type TabGroup struct {
	ID        TabGroupId
	SessionKey SessionKey
	Tabs      map[TabId]*Tab
	CreatedAt time.Time
}

// Tab is a single browser tab/page, addressable independently for
// navigation/action/snapshot operations and serialized via its own TabLock.
type Tab struct {
	ID         TabId
	TabGroupID TabGroupId
	SessionKey SessionKey
	URL        string
	Title      string
	CreatedAt  time.Time
	LastUsed   time.Time
	Closed     bool
}

// RefInfo describes one resolvable element reference produced by the
// SnapshotPipeline: its stable ref id, the accessibility role/name pair
// used to re-locate it, and its position among same role+name siblings.
type RefInfo struct {
	Ref    RefId
	Role   string
	Name   string
	Nth    int
	TabId  TabId
	Stale  bool
	Minted time.Time
}

// DownloadStatus is a DownloadInfo's lifecycle position.
type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "pending"
	DownloadCompleted DownloadStatus = "completed"
	DownloadFailed    DownloadStatus = "failed"
	DownloadCanceled  DownloadStatus = "canceled"
)

// DownloadInfo describes one tracked download: its on-disk location,
// originating tab, and bookkeeping needed for LRU eviction and TTL sweeps.
type DownloadInfo struct {
	ID          string
	TabId       TabId
	UserId      UserId
	URL         string
	Filename    string
	Path        string
	MimeType    string
	SizeBytes   int64
	Status      DownloadStatus
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
	LastAccess  time.Time
}

// ContextEntry tracks one persistent browser context in the ContextPool's
// per-user LRU.
type ContextEntry struct {
	UserId     UserId
	ProfileDir string
	CreatedAt  time.Time
	LastUsed   time.Time
	Launching  bool
	RefCount   int32
}

// RateLimitEntry tracks a per-user fixed-window rate limit bucket.
type RateLimitEntry struct {
	UserId      UserId
	WindowStart time.Time
	Count       int
}

// HealthState tracks the process-wide consecutive navigation failure
// counter used to flag the engine unhealthy after repeated failures, plus
// the in-flight navigation count the periodic stale-nav probe watches.
type HealthState struct {
	ConsecutiveFailures int
	LastFailure         time.Time
	LastSuccess         time.Time
	Unhealthy           bool
	ActiveOps           int
}
