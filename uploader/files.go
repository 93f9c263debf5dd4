package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bitrise-io/go-mediaupload/content"
	"github.com/bitrise-io/go-mediaupload/resume"
	"github.com/bitrise-io/go-mediaupload/transfer"
	"github.com/bmatcuk/doublestar/v4"
)

// FileResult is the result of uploading one file matched by UploadMatching.
type FileResult struct {
	Path    string
	Outcome transfer.Outcome
	Err     error
}

// UploadFile uploads the content behind locator (a local path, file:// path or http(s):// URL).
// For local files the session is saved next to the file: a later call continues a saved
// session that still matches the file instead of starting over.
func (u *Uploader) UploadFile(ctx context.Context, locator string) (transfer.Outcome, error) {
	src, err := u.opener.Open(ctx, locator)
	if err != nil {
		return transfer.Outcome{}, fmt.Errorf("open %s: %w", locator, err)
	}
	defer func() {
		if closeErr := src.Close(); closeErr != nil {
			u.logger.Warnf("Failed to close %s: %s", locator, closeErr)
		}
	}()

	localPath := ""
	if fileSrc, ok := src.(*content.FileSource); ok && u.config.SaveResumeState && !content.IsRemote(locator) {
		localPath = fileSrc.Path()
	}
	if localPath == "" {
		return u.Upload(ctx, src)
	}

	state := u.loadResumeState(localPath, src.Length())
	if state != nil {
		u.logger.Infof("Continuing upload session %s of %s", state.SessionID, localPath)
		outcome, err := u.ResumeUpload(ctx, state.Ticket(), src)
		if err == nil {
			u.removeResumeState(localPath)
			return outcome, nil
		}

		var expired *transfer.SessionExpiredError
		if !errors.As(err, &expired) {
			return outcome, err
		}
		u.logger.Warnf("Saved upload session %s expired, starting a new upload", state.SessionID)
		u.removeResumeState(localPath)
	}

	outcome, err := u.upload(ctx, src, func(ticket transfer.Ticket) {
		if err := u.resumeStore.Save(u.resumeStore.NewState(localPath, src.Length(), ticket)); err != nil {
			u.logger.Warnf("Failed to save upload state of %s: %s", localPath, err)
		}
	})
	if err != nil {
		return outcome, err
	}
	u.removeResumeState(localPath)

	return outcome, nil
}

// UploadMatching uploads every regular file matching a doublestar pattern (e.g. `videos/**/*.mp4`).
// Files are transferred independently, at most Config.Concurrency at the same time.
// The returned error joins the errors of the failed uploads.
func (u *Uploader) UploadMatching(ctx context.Context, pattern string) ([]FileResult, error) {
	paths, err := u.expandPattern(pattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		u.logger.Warnf("No match for path pattern: %s", pattern)
		return nil, nil
	}
	u.logger.Infof("Uploading %d file(s) matching %s", len(paths), pattern)

	results := make([]FileResult, len(paths))
	semaphore := make(chan struct{}, u.config.Concurrency)
	var wg sync.WaitGroup

	for i, pth := range paths {
		wg.Add(1)
		go func(i int, pth string) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				results[i] = FileResult{Path: pth, Err: fmt.Errorf("upload %s: %w", pth, ctx.Err())}
				return
			}
			defer func() { <-semaphore }()

			outcome, err := u.UploadFile(ctx, pth)
			if err != nil {
				err = fmt.Errorf("upload %s: %w", pth, err)
			}
			results[i] = FileResult{Path: pth, Outcome: outcome, Err: err}
		}(i, pth)
	}
	wg.Wait()

	var errs []error
	for _, result := range results {
		if result.Err != nil {
			errs = append(errs, result.Err)
		}
	}

	return results, errors.Join(errs...)
}

func (u *Uploader) expandPattern(pattern string) ([]string, error) {
	base, relPattern := doublestar.SplitPattern(filepath.ToSlash(pattern))
	absBase, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), relPattern, doublestar.WithNoFollow())
	if err != nil {
		return nil, fmt.Errorf("invalid path pattern %s: %w", pattern, err)
	}

	var paths []string
	for _, match := range matches {
		if strings.HasSuffix(match, resume.Suffix) || strings.HasSuffix(match, resume.Suffix+".tmp") {
			continue
		}
		pth := filepath.Join(absBase, filepath.FromSlash(match))
		info, err := os.Stat(pth)
		if err != nil {
			u.logger.Warnf("Failed to check %s: %s", pth, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, pth)
	}

	return paths, nil
}

func (u *Uploader) loadResumeState(localPath string, size int64) *resume.State {
	state, err := u.resumeStore.Load(localPath)
	if err != nil {
		u.logger.Warnf("Ignoring upload state of %s: %s", localPath, err)
		u.removeResumeState(localPath)
		return nil
	}
	if state == nil {
		return nil
	}
	if err := u.resumeStore.Validate(state, localPath, size); err != nil {
		u.logger.Infof("Starting a new upload of %s: %s", localPath, err)
		u.removeResumeState(localPath)
		return nil
	}
	return state
}

func (u *Uploader) removeResumeState(localPath string) {
	if err := u.resumeStore.Remove(localPath); err != nil {
		u.logger.Warnf("Failed to remove upload state of %s: %s", localPath, err)
	}
}
