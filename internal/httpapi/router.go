package httpapi

import "net/http"

// NewRouter builds the full route table over c. Method+pattern routing
// uses the standard library's ServeMux (Go 1.22+); the teacher's go.mod
// and the rest of the pack carry no router dependency, so this is the one
// concern the corpus leaves to the standard library rather than a library
// like chi or gorilla/mux.
func NewRouter(c *Core) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tabs", c.handleCreateTab)
	mux.HandleFunc("GET /tabs", c.handleListTabs)
	mux.HandleFunc("DELETE /tabs/{tabId}", c.handleCloseTab)
	mux.HandleFunc("DELETE /tabs/group/{listItemId}", c.handleCloseTabGroup)

	mux.HandleFunc("POST /tabs/{tabId}/navigate", c.handleNavigate)
	mux.HandleFunc("GET /tabs/{tabId}/snapshot", c.handleSnapshot)
	mux.HandleFunc("POST /tabs/{tabId}/click", c.handleClick)
	mux.HandleFunc("POST /tabs/{tabId}/type", c.handleType)
	mux.HandleFunc("POST /tabs/{tabId}/press", c.handlePress)
	mux.HandleFunc("POST /tabs/{tabId}/scroll", c.handleScroll)
	mux.HandleFunc("POST /tabs/{tabId}/scroll-element", c.handleScrollElement)
	mux.HandleFunc("POST /tabs/{tabId}/back", c.handleBack)
	mux.HandleFunc("POST /tabs/{tabId}/forward", c.handleForward)
	mux.HandleFunc("POST /tabs/{tabId}/refresh", c.handleRefresh)
	mux.HandleFunc("POST /tabs/{tabId}/wait", c.handleWait)

	mux.HandleFunc("GET /tabs/{tabId}/links", c.handleLinks)
	mux.HandleFunc("GET /tabs/{tabId}/screenshot", c.handleScreenshot)
	mux.HandleFunc("GET /tabs/{tabId}/stats", c.handleStats)
	mux.HandleFunc("GET /tabs/{tabId}/cookies", c.handleGetCookies)

	mux.HandleFunc("POST /tabs/{tabId}/evaluate", c.requireBearer(c.handleEvaluate(false)))
	mux.HandleFunc("POST /tabs/{tabId}/evaluate-extended", c.requireBearer(c.handleEvaluate(true)))

	mux.HandleFunc("POST /tabs/{tabId}/extract-resources", c.handleExtractResources)
	mux.HandleFunc("POST /tabs/{tabId}/batch-download", c.handleBatchDownload)
	mux.HandleFunc("POST /tabs/{tabId}/resolve-blobs", c.handleResolveBlobs)

	mux.HandleFunc("DELETE /sessions/{userId}", c.handleCloseSession)
	mux.HandleFunc("POST /sessions/{userId}/cookies", c.requireBearer(c.handleImportCookies))
	mux.HandleFunc("POST /sessions/{userId}/toggle-display", c.handleToggleDisplay)

	mux.HandleFunc("GET /tabs/{tabId}/downloads", c.handleTabDownloads)
	mux.HandleFunc("GET /users/{userId}/downloads", c.handleUserDownloads)
	mux.HandleFunc("GET /downloads/{downloadId}", c.handleGetDownload)
	mux.HandleFunc("DELETE /downloads/{downloadId}", c.handleDeleteDownload)
	mux.HandleFunc("GET /downloads/{downloadId}/content", c.handleDownloadContent)

	mux.HandleFunc("GET /health", c.handleHealth)
	mux.HandleFunc("GET /presets", c.handlePresets)
	mux.Handle("GET /metrics", c.Metrics.Handler())

	mux.HandleFunc("POST /admin/stop", c.requireAdminKey(c.handleAdminStop))

	return mux
}
