package httpapi

import (
	"net/http"
	"os"

	"github.com/kestrelsoft/browserplane/internal/core"
)

func (c *Core) handleTabDownloads(w http.ResponseWriter, r *http.Request) {
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, "")
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	var out []*core.DownloadInfo
	for _, d := range c.Downloads.ListForUser(userId) {
		if d.TabId == tabID {
			out = append(out, d)
		}
	}
	if out == nil {
		out = []*core.DownloadInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"downloads": out})
}

func (c *Core) handleUserDownloads(w http.ResponseWriter, r *http.Request) {
	userId := core.UserId(pathParam(r, "userId"))
	if userId == "" {
		writeError(w, c.Config.NodeEnv, core.NewValidationError("userId is required", nil))
		return
	}
	downloads := c.Downloads.ListForUser(userId)
	if downloads == nil {
		downloads = []*core.DownloadInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"downloads": downloads})
}

func (c *Core) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "downloadId")
	info, err := c.Downloads.Get(id)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	userId := userIdFrom(r, "")
	if userId != "" && info.UserId != userId {
		writeError(w, c.Config.NodeEnv, core.NewNotFoundError("download not found", core.ErrDownloadNotFound))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (c *Core) handleDeleteDownload(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "downloadId")
	info, err := c.Downloads.Get(id)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	userId := userIdFrom(r, "")
	if userId != "" && info.UserId != userId {
		writeError(w, c.Config.NodeEnv, core.NewNotFoundError("download not found", core.ErrDownloadNotFound))
		return
	}
	if err := c.Downloads.Delete(id); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (c *Core) handleDownloadContent(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "downloadId")
	info, err := c.Downloads.Get(id)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	userId := userIdFrom(r, "")
	if userId != "" && info.UserId != userId {
		writeError(w, c.Config.NodeEnv, core.NewNotFoundError("download not found", core.ErrDownloadNotFound))
		return
	}
	if info.Status != core.DownloadCompleted {
		writeError(w, c.Config.NodeEnv, core.NewConflictError("download has not completed", nil))
		return
	}

	f, err := os.Open(info.Path)
	if err != nil {
		writeError(w, c.Config.NodeEnv, core.NewNotFoundError("download file missing on disk", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+info.Filename+"\"")
	http.ServeContent(w, r, info.Filename, info.CompletedAt, f)
}
