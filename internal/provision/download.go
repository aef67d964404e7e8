package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// Result reports what Fetch did for one asset.
type Result struct {
	Asset   Asset
	Path    string
	Bytes   int64
	Skipped bool
}

// Downloader fetches assets into a Layout.
type Downloader struct {
	Layout Layout
	// Token is sent as a bearer token when non-empty.
	Token      string
	HTTPClient *http.Client
	// Parallel bounds concurrent downloads. Zero means 2.
	Parallel int
	// MaxRetries caps retries per asset. Zero means 5.
	MaxRetries uint64
	// InitialInterval is the first back-off delay. Zero means 2s.
	InitialInterval time.Duration
}

// Fetch downloads every asset that is not already present. Each file is
// streamed to <dest>.part and renamed once complete, so a partial file never
// sits at the final path.
func (d *Downloader) Fetch(ctx context.Context, assets []Asset, w io.Writer) ([]Result, error) {
	if err := d.Layout.EnsureDirs(); err != nil {
		return nil, err
	}

	out := &syncWriter{w: w}
	results := make([]Result, len(assets))

	g, ctx := errgroup.WithContext(ctx)
	parallel := d.Parallel
	if parallel <= 0 {
		parallel = 2
	}
	g.SetLimit(parallel)

	for i, a := range assets {
		g.Go(func() error {
			res, err := d.fetchOne(ctx, a, out)
			if err != nil {
				return fmt.Errorf("downloading %s: %w", a.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (d *Downloader) fetchOne(ctx context.Context, a Asset, w io.Writer) (Result, error) {
	dest := d.Layout.Path(a)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		fmt.Fprintf(w, "%s: already present (%s)\n", a.Name, humanize.Bytes(uint64(info.Size())))
		return Result{Asset: a, Path: dest, Bytes: info.Size(), Skipped: true}, nil
	}

	interval := d.InitialInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	retries := d.MaxRetries
	if retries == 0 {
		retries = 5
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = interval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)

	start := time.Now()
	var n int64
	op := func() error {
		var err error
		n, err = d.download(ctx, a, dest, w)
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("download attempt failed", "asset", a.Name, "error", err, "retry_in", wait)
		fmt.Fprintf(w, "%s: %v, retrying in %s\n", a.Name, err, wait.Round(time.Second))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return Result{}, err
	}

	elapsed := time.Since(start)
	fmt.Fprintf(w, "%s: done, %s in %s\n", a.Name, humanize.Bytes(uint64(n)), elapsed.Round(time.Second))
	return Result{Asset: a, Path: dest, Bytes: n}, nil
}

// download performs one attempt. Client errors are permanent; network errors
// and 5xx responses are retried.
func (d *Downloader) download(ctx context.Context, a Asset, dest string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, backoff.Permanent(ctx.Err())
		}
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("server returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, backoff.Permanent(fmt.Errorf("access denied (%d): check provision.hf_token and accept the model license", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return 0, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if resp.ContentLength > 0 {
		fmt.Fprintf(w, "%s: downloading %s\n", a.Name, humanize.Bytes(uint64(resp.ContentLength)))
	} else {
		fmt.Fprintf(w, "%s: downloading\n", a.Name)
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("creating %s: %w", part, err))
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(part)
		if ctx.Err() != nil {
			return 0, backoff.Permanent(ctx.Err())
		}
		return 0, errors.Join(copyErr, closeErr)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		os.Remove(part)
		return 0, fmt.Errorf("short read: got %d of %d bytes", n, resp.ContentLength)
	}
	if err := os.Rename(part, dest); err != nil {
		return 0, backoff.Permanent(fmt.Errorf("moving %s into place: %w", filepath.Base(dest), err))
	}
	return n, nil
}

// Status is the on-disk state of one asset.
type Status struct {
	Asset   Asset
	Path    string
	Present bool
	Size    int64
}

// Verify checks that every asset sits at its expected path.
func Verify(l Layout, assets []Asset) []Status {
	out := make([]Status, 0, len(assets))
	for _, a := range assets {
		st := Status{Asset: a, Path: l.Path(a)}
		info, err := os.Stat(st.Path)
		switch {
		case err == nil && !info.IsDir():
			st.Present = info.Size() > 0
			st.Size = info.Size()
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			slog.Warn("stat failed", "path", st.Path, "error", err)
		}
		out = append(out, st)
	}
	return out
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
