package manifest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Fetch reads a local file or downloads an http(s) URL.
func Fetch(ctx context.Context, nameOrURL string) ([]byte, error) {
	if !isURL(nameOrURL) {
		data, err := os.ReadFile(nameOrURL)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read %s", nameOrURL)
		}
		return data, nil
	}
	glog.Infof("fetching %s", nameOrURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nameOrURL, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", nameOrURL)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: failed to fetch", nameOrURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s: failed to fetch: %s", nameOrURL, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: failed to fetch body", nameOrURL)
	}
	glog.V(1).Infof("fetched %s, %d bytes", nameOrURL, len(b))
	return b, nil
}

// Resolve interprets ref relative to the manifest at base.
func Resolve(base, ref string) (string, error) {
	if isURL(ref) || filepath.IsAbs(ref) {
		return ref, nil
	}
	if isURL(base) {
		b, err := url.Parse(base)
		if err != nil {
			return "", errors.Annotatef(err, "manifest location %s", base)
		}
		r, err := url.Parse(ref)
		if err != nil {
			return "", errors.Annotatef(err, "part %s", ref)
		}
		return b.ResolveReference(r).String(), nil
	}
	if base == "" {
		return ref, nil
	}
	return filepath.Join(filepath.Dir(base), ref), nil
}
