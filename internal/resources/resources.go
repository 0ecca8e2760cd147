// Package resources implements the ResourceExtractor and BatchDownloader
// modules: a scoped, single-page-script DOM walk that inventories images,
// links, media and documents on a page (with blob: URL resolution), and a
// bounded-concurrency fetch pipeline that turns a set of those URLs into
// files on disk. Grounded on the teacher's captcha/solver use of one
// page.Evaluate call returning a JSON blob it then unmarshals, and on
// internal/contextpool's errgroup.SetLimit idiom for the batch downloader's
// semaphore.
package resources

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/engine"
	"github.com/kestrelsoft/browserplane/internal/ratelimit"
)

const (
	maxLazyLoadScrolls = 50
	maxBlobInline      = 25
	fetchTimeout       = 30 * time.Second
)

// Resource is one extracted element descriptor.
type Resource struct {
	URL  string `json:"url"`
	Type string `json:"type"` // "image", "link", "media", or "document"
	Tag  string `json:"tag,omitempty"`
	Text string `json:"text,omitempty"`
}

// ExtractResult is the outcome of one extraction pass.
type ExtractResult struct {
	Images    []Resource `json:"images"`
	Links     []Resource `json:"links"`
	Media     []Resource `json:"media"`
	Documents []Resource `json:"documents"`
	BlobURLs  []string   `json:"blobUrls"`
}

// ExtractOptions configures one extraction call.
type ExtractOptions struct {
	Selector       string   // container selector, default "body"
	ExtensionsOnly []string // normalized ".ext" filter; empty means no filter
	TriggerLazyLoad bool
}

// Extract runs the scoped DOM walk inside the page and returns the
// typed resource inventory plus the set of blob: URLs observed.
func Extract(ctx context.Context, page engine.Page, opts ExtractOptions) (*ExtractResult, error) {
	selector := opts.Selector
	if selector == "" {
		selector = "body"
	}

	if opts.TriggerLazyLoad {
		if _, err := page.Evaluate(ctx, scrollLazyImagesJS(maxLazyLoadScrolls)); err != nil {
			// Best-effort: lazy-load triggering never blocks extraction.
			_ = err
		}
	}

	extJSON, _ := json.Marshal(normalizeExtensions(opts.ExtensionsOnly))
	selJSON, _ := json.Marshal(selector)

	js := fmt.Sprintf(extractResourcesJSTemplate, selJSON, extJSON)
	raw, err := page.Evaluate(ctx, js)
	if err != nil {
		return nil, core.NewEngineError("resource extraction script failed", err)
	}

	var result ExtractResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, core.NewEngineError("resource extraction returned malformed JSON", err)
	}

	if len(result.BlobURLs) > 0 {
		resolveInlineBlobs(ctx, page, &result)
	}

	return &result, nil
}

// resolveInlineBlobs replaces at most maxBlobInline blob: URLs appearing in
// the extracted resources with their data: URI form, resolved in-page via
// fetch -> Blob -> FileReader.
func resolveInlineBlobs(ctx context.Context, page engine.Page, result *ExtractResult) {
	limit := maxBlobInline
	resolved := make(map[string]string, limit)

	for _, blobURL := range result.BlobURLs {
		if len(resolved) >= limit {
			break
		}
		dataURI, err := ResolveBlob(ctx, page, blobURL)
		if err != nil {
			continue
		}
		resolved[blobURL] = dataURI
	}
	if len(resolved) == 0 {
		return
	}

	replace := func(list []Resource) {
		for i, r := range list {
			if dataURI, ok := resolved[r.URL]; ok {
				list[i].URL = dataURI
			}
		}
	}
	replace(result.Images)
	replace(result.Links)
	replace(result.Media)
	replace(result.Documents)
}

// BlobResolution is the {base64, mimeType} shape a resolved blob produces.
type BlobResolution struct {
	Base64   string
	MimeType string
}

// ResolveBlob fetches blobURL inside the page and reads it back as a data
// URI via fetch -> Blob -> FileReader, the only way to read blob: content
// from outside the page that created it.
func ResolveBlob(ctx context.Context, page engine.Page, blobURL string) (string, error) {
	urlJSON, _ := json.Marshal(blobURL)
	js := fmt.Sprintf(resolveBlobJSTemplate, urlJSON)

	raw, err := page.Evaluate(ctx, js)
	if err != nil {
		return "", core.NewEngineError("blob resolution script failed", err)
	}

	var dataURI string
	if err := json.Unmarshal([]byte(raw), &dataURI); err != nil {
		return "", core.NewEngineError("blob resolution returned malformed JSON", err)
	}
	if dataURI == "" || !strings.HasPrefix(dataURI, "data:") {
		return "", fmt.Errorf("blob resolution produced no data URI")
	}
	return dataURI, nil
}

// ParseDataURI splits a data: URI into its decoded bytes and mime type.
func ParseDataURI(dataURI string) (BlobResolution, []byte, error) {
	if !strings.HasPrefix(dataURI, "data:") {
		return BlobResolution{}, nil, fmt.Errorf("not a data URI")
	}
	rest := dataURI[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return BlobResolution{}, nil, fmt.Errorf("malformed data URI")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	mimeType := "application/octet-stream"
	isBase64 := strings.HasSuffix(meta, ";base64")
	metaParts := strings.Split(strings.TrimSuffix(meta, ";base64"), ";")
	if metaParts[0] != "" {
		mimeType = metaParts[0]
	}

	var data []byte
	var err error
	if isBase64 {
		data, err = base64.StdEncoding.DecodeString(payload)
	} else {
		var unescaped string
		unescaped, err = url.QueryUnescape(payload)
		data = []byte(unescaped)
	}
	if err != nil {
		return BlobResolution{}, nil, fmt.Errorf("decode data URI payload: %w", err)
	}
	return BlobResolution{Base64: base64.StdEncoding.EncodeToString(data), MimeType: mimeType}, data, nil
}

// --- Batch downloader ---

// Candidate is one item the batch downloader should fetch.
type Candidate struct {
	URL      string
	Filename string
}

// ItemStatus is one candidate's lifecycle position.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// ItemResult is the per-candidate outcome of a batch download.
type ItemResult struct {
	URL    string     `json:"url"`
	Path   string     `json:"path,omitempty"`
	Status ItemStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// BatchOptions configures one batch-download call.
type BatchOptions struct {
	MaxFiles            int
	MaxConcurrency      int
	MaxBlobSizeBytes    int64
	MaxDownloadSizeBytes int64
	ResolveBlobs        bool
	DestDir             string
}

// Batch downloads candidates under a bounded semaphore, resolving data:,
// blob: and http(s) URLs each through their own path. Every candidate
// starts pending and transitions to completed/failed; if ctx is canceled
// mid-batch, every still-pending item is also marked failed before return.
func Batch(ctx context.Context, browser engine.Browser, page engine.Page, candidates []Candidate, opts BatchOptions) []ItemResult {
	maxFiles := opts.MaxFiles
	if maxFiles < 1 {
		maxFiles = 1
	}
	if maxFiles > 500 {
		maxFiles = 500
	}
	if len(candidates) > maxFiles {
		candidates = candidates[:maxFiles]
	}

	concurrency := opts.MaxConcurrency
	if concurrency < 1 {
		concurrency = 5
	}

	results := make([]ItemResult, len(candidates))
	for i, c := range candidates {
		results[i] = ItemResult{URL: c.URL, Status: ItemPending}
	}

	if err := os.MkdirAll(opts.DestDir, 0o755); err != nil {
		for i := range results {
			results[i].Status = ItemFailed
			results[i].Error = fmt.Sprintf("create destination directory: %v", err)
		}
		return results
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(concurrency)
	var mu sync.Mutex

	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			dest := filepath.Join(opts.DestDir, sanitizeBatchFilename(c.Filename, i))
			err := fetchOne(gctx, browser, page, c.URL, dest, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[i].Status = ItemFailed
				results[i].Error = err.Error()
				return nil // one candidate's failure never aborts the batch
			}
			results[i].Status = ItemCompleted
			results[i].Path = dest
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		mu.Lock()
		for i := range results {
			if results[i].Status == ItemPending {
				results[i].Status = ItemFailed
				results[i].Error = "batch canceled before this item started"
			}
		}
		mu.Unlock()
	}

	return results
}

func fetchOne(ctx context.Context, browser engine.Browser, page engine.Page, rawURL, dest string, opts BatchOptions) error {
	switch {
	case strings.HasPrefix(rawURL, "data:"):
		_, data, err := ParseDataURI(rawURL)
		if err != nil {
			return err
		}
		if opts.MaxBlobSizeBytes > 0 && int64(len(data)) > opts.MaxBlobSizeBytes {
			return fmt.Errorf("data URI exceeds max blob size")
		}
		return os.WriteFile(dest, data, 0o644)

	case strings.HasPrefix(rawURL, "blob:"):
		if !opts.ResolveBlobs {
			return fmt.Errorf("blob URL resolution disabled for this request")
		}
		dataURI, err := ResolveBlob(ctx, page, rawURL)
		if err != nil {
			return err
		}
		_, data, err := ParseDataURI(dataURI)
		if err != nil {
			return err
		}
		if opts.MaxBlobSizeBytes > 0 && int64(len(data)) > opts.MaxBlobSizeBytes {
			return fmt.Errorf("resolved blob exceeds max blob size")
		}
		return os.WriteFile(dest, data, 0o644)

	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		result, err := browser.Request(fetchCtx, rawURL, engine.RequestOptions{Timeout: fetchTimeout})
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		if result.Status >= 400 {
			if info := ratelimit.Detect(result.Status, string(result.Body)); info.Detected {
				return fmt.Errorf("fetch blocked (%s): http %d: %s", info.Category, result.Status, info.Description)
			}
			return fmt.Errorf("fetch failed: http %d", result.Status)
		}
		if opts.MaxDownloadSizeBytes > 0 && int64(len(result.Body)) > opts.MaxDownloadSizeBytes {
			return fmt.Errorf("response exceeds max download size")
		}
		return os.WriteFile(dest, result.Body, 0o644)

	default:
		return fmt.Errorf("unsupported URL scheme for batch download")
	}
}

func sanitizeBatchFilename(name string, index int) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		name = "file"
	}
	if len(name) > 200 {
		name = name[:200]
	}
	return strconv.Itoa(index) + "_" + name
}

func normalizeExtensions(exts []string) []string {
	if len(exts) == 0 {
		return nil
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func scrollLazyImagesJS(maxScrolls int) string {
	return fmt.Sprintf(`(function(){
  var imgs = Array.prototype.slice.call(document.images).slice(0, %d);
  imgs.forEach(function(img){ img.scrollIntoView({block:"center"}); });
  return true;
})()`, maxScrolls)
}

// extractResourcesJSTemplate is the single page-script call that walks
// selector's subtree and buckets every image/link/media/document it finds,
// normalizing relative URLs against document.baseURI.
const extractResourcesJSTemplate = `(function(){
  var root = document.querySelector(%s) || document.body;
  var extFilter = %s;
  var result = {images: [], links: [], media: [], documents: [], blobUrls: []};
  var blobSet = {};

  function normalize(u) {
    try { return new URL(u, document.baseURI).href; } catch (e) { return null; }
  }
  function extOf(u) {
    var path = u.split(/[?#]/)[0];
    var dot = path.lastIndexOf('.');
    return dot === -1 ? '' : path.slice(dot).toLowerCase();
  }
  function passesFilter(u) {
    if (!extFilter || extFilter.length === 0) return true;
    return extFilter.indexOf(extOf(u)) !== -1;
  }
  function push(bucket, url, tag, text) {
    if (!url) return;
    if (url.indexOf('blob:') === 0 && !blobSet[url]) {
      blobSet[url] = true;
      result.blobUrls.push(url);
    }
    if (!passesFilter(url)) return;
    bucket.push({url: url, type: bucket === result.images ? 'image' : (bucket === result.links ? 'link' : (bucket === result.media ? 'media' : 'document')), tag: tag, text: (text || '').slice(0, 200)});
  }

  root.querySelectorAll('img[src]').forEach(function(el){ push(result.images, normalize(el.getAttribute('src')), el.tagName, el.alt); });
  root.querySelectorAll('a[href]').forEach(function(el){ push(result.links, normalize(el.getAttribute('href')), el.tagName, el.textContent); });
  root.querySelectorAll('video[src], audio[src], source[src]').forEach(function(el){ push(result.media, normalize(el.getAttribute('src')), el.tagName, ''); });
  root.querySelectorAll('a[href$=".pdf"], a[href$=".doc"], a[href$=".docx"], a[href$=".csv"], a[href$=".xlsx"]').forEach(function(el){ push(result.documents, normalize(el.getAttribute('href')), el.tagName, el.textContent); });

  return JSON.stringify(result);
})()`

// resolveBlobJSTemplate fetches a blob: URL inside the page and reads it
// back as a data URI, since blob: content is only addressable from the
// document that created it.
const resolveBlobJSTemplate = `(function(){
  var url = %s;
  return fetch(url)
    .then(function(r){ return r.blob(); })
    .then(function(blob){
      return new Promise(function(resolve, reject){
        var reader = new FileReader();
        reader.onloadend = function(){ resolve(reader.result); };
        reader.onerror = reject;
        reader.readAsDataURL(blob);
      });
    })
    .then(function(dataUri){ return JSON.stringify(dataUri); })
    .catch(function(e){ return JSON.stringify(''); });
})()`
