// Package media enumerates the candidates of a local media library. Enumeration is paginated by a
// continuation token, so a scan can be resumed and items added mid-scan never shift what was already
// yielded.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/shared"
	"github.com/sirupsen/logrus"
)

const DefaultPageSize = 200

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".dng":  "image/x-adobe-dng",
}

var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".3gp":  "video/3gpp",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
}

// Policy filters what the enumerator yields.
type Policy struct {
	IncludeVideos      bool
	IncludeScreenshots bool
	// Items last modified before Since are skipped. Zero means a full scan.
	Since time.Time
}

func PolicyFromSettings(s data.Settings, since time.Time) Policy {
	return Policy{IncludeVideos: s.SyncVideos, IncludeScreenshots: s.SyncScreenshots, Since: since}
}

type Page struct {
	Items []*data.AssetCandidate
	// Token to pass for the next page
	Next string
	Done bool
}

// Library is a source of media candidates.
type Library interface {
	Page(ctx context.Context, token string, size int, policy Policy) (*Page, error)
}

// DirLibrary is a media library rooted at a local directory. Items are yielded in walk order
// (lexical per directory) and the continuation token is the last yielded relative path.
type DirLibrary struct {
	root        string
	screenshots *GlobFilter
	logger      logrus.FieldLogger
}

func NewDirLibrary(root string, logger logrus.FieldLogger, screenshotPatterns ...string) *DirLibrary {
	if len(screenshotPatterns) == 0 {
		screenshotPatterns = DefaultScreenshotPatterns
	}
	return &DirLibrary{root: root, screenshots: NewGlobFilter(screenshotPatterns...), logger: logger}
}

func (l *DirLibrary) Root() string {
	return l.root
}

func (l *DirLibrary) Page(ctx context.Context, token string, size int, policy Policy) (*Page, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	page := &Page{Next: token}
	full := false

	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && p != l.root {
				// Removed between listing and visiting
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == l.root {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if token != "" && comparePaths(rel, token) < 0 && !strings.HasPrefix(token, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if token != "" && comparePaths(rel, token) <= 0 {
			return nil
		}
		if full {
			// There is at least one more item after this page
			return fs.SkipAll
		}

		c, ok, err := l.candidate(p, rel, d, policy)
		if err != nil {
			return err
		}
		// The token advances past filtered items too, so they are never revisited
		page.Next = rel
		if ok {
			page.Items = append(page.Items, c)
			if len(page.Items) >= size {
				full = true
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || (errors.Is(err, fs.ErrNotExist) && !full) {
			return nil, fmt.Errorf("failed to enumerate %s: %w: %w", l.root, data.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("failed to enumerate %s: %w", l.root, err)
	}
	page.Done = !full
	return page, nil
}

func (l *DirLibrary) candidate(p, rel string, d fs.DirEntry, policy Policy) (*data.AssetCandidate, bool, error) {
	info, err := d.Info()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !policy.Since.IsZero() && info.ModTime().Before(policy.Since) {
		return nil, false, nil
	}
	kind, mimeType, ok := l.classify(p)
	if !ok {
		return nil, false, nil
	}
	if kind == shared.KindVideo && !policy.IncludeVideos {
		return nil, false, nil
	}
	if !policy.IncludeScreenshots && l.screenshots.Matches(rel) {
		return nil, false, nil
	}
	return &data.AssetCandidate{
		LocalId:  rel,
		Path:     p,
		Kind:     kind,
		Filename: path.Base(rel),
		MimeType: mimeType,
		Size:     info.Size(),
		// No EXIF parsing, so the modification time stands in for the capture time
		CapturedAt: info.ModTime().UTC(),
		ModTime:    info.ModTime(),
	}, true, nil
}

func (l *DirLibrary) classify(p string) (shared.MediaKind, string, bool) {
	ext := strings.ToLower(filepath.Ext(p))
	if m, ok := imageExtensions[ext]; ok {
		return shared.KindImage, m, true
	}
	if m, ok := videoExtensions[ext]; ok {
		return shared.KindVideo, m, true
	}
	mtype, err := mimetype.DetectFile(p)
	if err != nil {
		l.logger.Debugf("Failed to sniff %s: %v", p, err)
		return "", "", false
	}
	for m := mtype; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "image/"):
			return shared.KindImage, mtype.String(), true
		case strings.HasPrefix(m.String(), "video/"):
			return shared.KindVideo, mtype.String(), true
		}
	}
	return "", "", false
}

// comparePaths orders slash-separated relative paths the way a directory walk visits them.
func comparePaths(a, b string) int {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}
