package httpapi

import (
	"net/http"
	"path/filepath"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/resources"
)

type extractResourcesRequest struct {
	UserId          string   `json:"userId"`
	Selector        string   `json:"selector"`
	Extensions      []string `json:"extensions"`
	TriggerLazyLoad bool     `json:"triggerLazyLoad"`
}

func (c *Core) handleExtractResources(w http.ResponseWriter, r *http.Request) {
	var body extractResourcesRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	page, err := c.Sessions.Page(tabID)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	var result *resources.ExtractResult
	err = c.withConcurrency(r, userId, func() error {
		res, err := resources.Extract(r.Context(), page, resources.ExtractOptions{
			Selector:        body.Selector,
			ExtensionsOnly:  body.Extensions,
			TriggerLazyLoad: body.TriggerLazyLoad,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resolveBlobsRequest struct {
	UserId   string   `json:"userId"`
	BlobURLs []string `json:"blobUrls"`
}

func (c *Core) handleResolveBlobs(w http.ResponseWriter, r *http.Request) {
	var body resolveBlobsRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	page, err := c.Sessions.Page(tabID)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	out := make(map[string]string, len(body.BlobURLs))
	for _, u := range body.BlobURLs {
		dataURI, err := resources.ResolveBlob(r.Context(), page, u)
		if err != nil {
			continue
		}
		out[u] = dataURI
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": out})
}

type batchDownloadRequest struct {
	UserId       string                 `json:"userId"`
	Candidates   []batchCandidateDTO    `json:"candidates"`
	ResolveBlobs bool                   `json:"resolveBlobs"`
}

type batchCandidateDTO struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

func (c *Core) handleBatchDownload(w http.ResponseWriter, r *http.Request) {
	var body batchDownloadRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	if len(body.Candidates) == 0 {
		writeError(w, c.Config.NodeEnv, core.NewValidationError("candidates must not be empty", nil))
		return
	}

	page, err := c.Sessions.Page(tabID)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	browser, err := c.Pool.GetOrLaunch(r.Context(), userId, c.Config.ProxyURL)
	if err != nil {
		writeError(w, c.Config.NodeEnv, core.NewEngineError("failed to acquire browser context", err))
		return
	}

	candidates := make([]resources.Candidate, len(body.Candidates))
	for i, cand := range body.Candidates {
		candidates[i] = resources.Candidate{URL: cand.URL, Filename: cand.Filename}
	}

	destDir := filepath.Join(c.Config.DownloadDir, "batch", string(userId), string(tabID))

	var results []resources.ItemResult
	err = c.withConcurrency(r, userId, func() error {
		results = resources.Batch(r.Context(), browser, page, candidates, resources.BatchOptions{
			MaxFiles:             c.Config.MaxBatchFiles,
			MaxConcurrency:       c.Config.MaxBatchConcurrency,
			MaxBlobSizeBytes:     int64(c.Config.MaxBlobSizeMB) << 20,
			MaxDownloadSizeBytes: int64(c.Config.MaxDownloadSizeMB) << 20,
			ResolveBlobs:         body.ResolveBlobs,
			DestDir:              destDir,
		})
		return nil
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
