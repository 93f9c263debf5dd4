package content

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-mediaupload/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"
)

const fileScheme = "file://"

// Opener turns a locator into an open Source.
// Supported locators are local paths, file:// paths and http(s):// URLs.
// Remote content is downloaded into a temporary directory first; the copy is
// removed when the returned Source is closed.
type Opener struct {
	httpClient   *http.Client
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	osProxy      internal.OsProxy
	logger       log.Logger
}

// NewOpener ...
func NewOpener(logger log.Logger) *Opener {
	return &Opener{
		httpClient:   retryhttp.NewClient(logger).StandardClient(),
		pathProvider: pathutil.NewPathProvider(),
		pathModifier: pathutil.NewPathModifier(),
		osProxy:      internal.RealOS{},
		logger:       logger,
	}
}

// Open opens the content behind locator.
func (o *Opener) Open(ctx context.Context, locator string) (Source, error) {
	if locator == "" {
		return nil, fmt.Errorf("empty content locator: %w", ErrNotFound)
	}

	if IsRemote(locator) {
		return o.openRemote(ctx, locator)
	}

	pth, err := o.pathModifier.AbsPath(strings.TrimPrefix(locator, fileScheme))
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", locator, err)
	}

	return openFile(o.osProxy, pth)
}

// IsRemote reports whether locator points to content that is downloaded before reading.
func IsRemote(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

func (o *Opener) openRemote(ctx context.Context, locator string) (Source, error) {
	parsed, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("parse content URL: %w", err)
	}

	name := path.Base(parsed.Path)
	if name == "" || name == "/" || name == "." {
		name = "content"
	}

	tmpDir, err := o.pathProvider.CreateTempDir("mediaupload")
	if err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	removeTmpDir := func() error {
		return o.osProxy.RemoveAll(tmpDir)
	}

	dest := filepath.Join(tmpDir, name)
	o.logger.Debugf("Downloading %s to %s", parsed.Redacted(), dest)

	downloader := got.New()
	downloader.Client = o.httpClient
	if err := downloader.Do(got.NewDownload(ctx, locator, dest)); err != nil {
		if rmErr := removeTmpDir(); rmErr != nil {
			o.logger.Warnf("Failed to remove %s: %s", tmpDir, rmErr)
		}
		return nil, fmt.Errorf("download %s: %w", parsed.Redacted(), err)
	}

	source, err := openFile(o.osProxy, dest)
	if err != nil {
		if rmErr := removeTmpDir(); rmErr != nil {
			o.logger.Warnf("Failed to remove %s: %s", tmpDir, rmErr)
		}
		return nil, err
	}
	source.cleanup = removeTmpDir

	return source, nil
}
