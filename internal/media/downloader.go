package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"reddit_relay/internal/model"
)

// outputTemplate makes yt-dlp put the dimensions in the file name so the
// upload can carry the right aspect ratio.
const outputTemplate = "video_%(width)sx%(height)s.%(ext)s"

var dimensionsRe = regexp.MustCompile(`_(\d+)x(\d+)\.`)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec // operator-configured binary
}

// Config configures a Downloader.
type Config struct {
	YTDLPPath   string
	Concurrency int
	Timeout     time.Duration
	MaxBytes    int64
	// TempDir is the parent of per-item directories; empty means os.TempDir.
	TempDir   string
	UserAgent string
}

// Downloader resolves videos with yt-dlp, downloads images over HTTP and
// passes gallery URLs through. At most Concurrency resolutions run at once.
type Downloader struct {
	cfg    Config
	sem    *semaphore.Weighted
	client HTTPClient
	run    runFunc
	log    *slog.Logger
}

// New creates a Downloader.
func New(cfg Config, client HTTPClient, log *slog.Logger) *Downloader {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.YTDLPPath == "" {
		cfg.YTDLPPath = "yt-dlp"
	}
	return &Downloader{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		client: client,
		run:    runCommand,
		log:    log,
	}
}

// Resolve materializes the item's media. Items without downloadable media
// resolve to LinkOnly with a nil error.
func (d *Downloader) Resolve(ctx context.Context, item model.Item) (*Media, error) {
	switch item.Type {
	case model.ItemGallery:
		if len(item.GalleryURLs) == 0 {
			return LinkOnly(), nil
		}
		urls := item.GalleryURLs
		if len(urls) > MaxGallerySize {
			urls = urls[:MaxGallerySize]
		}
		return &Media{Kind: KindGallery, URLs: append([]string(nil), urls...)}, nil
	case model.ItemVideo, model.ItemImage:
	default:
		return LinkOnly(), nil
	}
	if item.URL == "" {
		return nil, fmt.Errorf("%w: %s has no media url", ErrUnsupported, item.ID)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	rctx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	var (
		m   *Media
		err error
	)
	if item.Type == model.ItemVideo {
		m, err = d.video(rctx, item.URL)
	} else {
		m, err = d.image(rctx, item.URL)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, d.cfg.Timeout, item.URL)
		}
		return nil, err
	}

	d.log.Debug("media resolved", "item_id", item.ID, "kind", m.Kind.String(),
		"size", humanize.Bytes(uint64(m.Size)))
	return m, nil
}

func (d *Downloader) tempDir() (string, error) {
	dir, err := os.MkdirTemp(d.cfg.TempDir, "reddit_relay-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

func (d *Downloader) video(ctx context.Context, mediaURL string) (m *Media, err error) {
	dir, err := d.tempDir()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	args := []string{"--paths", dir, "--output", outputTemplate}
	if d.cfg.MaxBytes > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(d.cfg.MaxBytes, 10))
	}
	args = append(args, mediaURL)

	d.log.Debug("running yt-dlp", "args", args)
	out, runErr := d.run(ctx, d.cfg.YTDLPPath, args...)
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.log.Debug("yt-dlp failed", "output", string(out))
		return nil, fmt.Errorf("%w: yt-dlp %s: %v", ErrUnsupported, mediaURL, runErr)
	}

	file, err := producedFile(dir)
	if err != nil {
		if strings.Contains(string(out), "larger than max-filesize") {
			return nil, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, mediaURL, humanize.Bytes(uint64(d.cfg.MaxBytes)))
		}
		return nil, err
	}

	info, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("stat video: %w", err)
	}
	if err := d.checkSize(info.Size()); err != nil {
		return nil, err
	}

	m = &Media{Kind: KindVideo, Path: file, Size: info.Size(), dir: dir}
	m.Width, m.Height, _ = parseDimensions(file)
	return m, nil
}

// producedFile returns the single finished file yt-dlp wrote to dir.
func producedFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read temp dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		return filepath.Join(dir, e.Name()), nil
	}
	return "", fmt.Errorf("%w: yt-dlp produced no file", ErrUnsupported)
}

func parseDimensions(file string) (width, height int, ok bool) {
	m := dimensionsRe.FindStringSubmatch(filepath.Base(file))
	if m == nil {
		return 0, 0, false
	}
	w, errW := strconv.Atoi(m[1])
	h, errH := strconv.Atoi(m[2])
	if errW != nil || errH != nil {
		return 0, 0, false
	}
	return w, h, true
}

func (d *Downloader) image(ctx context.Context, mediaURL string) (m *Media, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", mediaURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download %s: status %d", ErrUnsupported, mediaURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupported, mediaURL, ct)
	}
	if resp.ContentLength > 0 {
		if err := d.checkSize(resp.ContentLength); err != nil {
			return nil, err
		}
	}

	dir, err := d.tempDir()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	file := filepath.Join(dir, imageName(mediaURL))
	f, err := os.Create(file) //nolint:gosec // path inside our own temp dir
	if err != nil {
		return nil, fmt.Errorf("create image file: %w", err)
	}
	defer func() { _ = f.Close() }()

	body := io.Reader(resp.Body)
	if d.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, d.cfg.MaxBytes+1)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	if err := d.checkSize(n); err != nil {
		return nil, err
	}

	return &Media{Kind: KindPhoto, Path: file, Size: n, dir: dir}, nil
}

func (d *Downloader) checkSize(n int64) error {
	if d.cfg.MaxBytes > 0 && n > d.cfg.MaxBytes {
		return fmt.Errorf("%w: %s over the %s limit", ErrTooLarge,
			humanize.Bytes(uint64(n)), humanize.Bytes(uint64(d.cfg.MaxBytes)))
	}
	return nil
}

func imageName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "image.jpg"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "image.jpg"
	}
	return name
}
