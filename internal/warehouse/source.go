package warehouse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/seenimoa/ukenergy/internal/infra"
)

// DefaultSourceTimeout bounds one remote source download.
const DefaultSourceTimeout = 2 * time.Minute

// IsRemote reports whether path is an http(s) URL rather than a local file.
func IsRemote(path string) bool {
	p := strings.ToLower(path)
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

// openSource opens a local file or downloads a remote one.
func (d *DB) openSource(ctx context.Context, path string) (io.ReadCloser, error) {
	if !IsRemote(path) {
		return os.Open(path)
	}
	body, _, err := infra.DoGet(ctx, d.httpClient(), path, map[string]string{"Accept": "*/*"})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return body, nil
}

// readSource returns the whole content of a local or remote source.
func (d *DB) readSource(ctx context.Context, path string) ([]byte, error) {
	if !IsRemote(path) {
		return os.ReadFile(path)
	}
	rc, err := d.openSource(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func (d *DB) httpClient() *http.Client {
	if d.http == nil {
		return infra.NewHTTPClient(DefaultSourceTimeout)
	}
	return d.http
}

// SetHTTPClient replaces the client used for remote sources.
func (d *DB) SetHTTPClient(c *http.Client) { d.http = c }
