// Package result serves task output to clients in one of two modes.
//
// Shared-storage mode reads directly from a filesystem path visible to both
// the manager and the runners: {root}/{task_id}/manifest.json and
// {root}/{task_id}/{file}. Proxy mode streams the same resources from the
// runner that executed the task, body passed through 1:1.
package result

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/runnerclient"
)

var (
	// ErrNotFound maps to 404: missing manifest, file, or unknown runner resource.
	ErrNotFound = errors.New("result not found")
	// ErrTraversal maps to 400: the requested file path escapes the task directory.
	ErrTraversal = errors.New("invalid result file path")
	// ErrUpstream maps to 502: the runner failed while proxying.
	ErrUpstream = errors.New("upstream runner error")
)

// Stream is one result resource ready to be copied to the client.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64  // -1 when unknown (proxy without Content-Length)
	Filename    string // basename, for Content-Disposition; empty for manifests
}

// RunnerLookup resolves the runner assigned to a task.
// Implemented by *registry.Registry.
type RunnerLookup interface {
	Get(url string) (domain.Runner, error)
}

// Access selects the mode per deployment and serves manifests and files.
type Access struct {
	sharedEnabled bool
	root          string
	client        *runnerclient.Client
	runners       RunnerLookup
}

// New creates a result access layer. root is only consulted when shared
// storage is enabled.
func New(sharedEnabled bool, root string, client *runnerclient.Client, runners RunnerLookup) *Access {
	return &Access{sharedEnabled: sharedEnabled, root: root, client: client, runners: runners}
}

// Manifest returns the task's manifest.json.
func (a *Access) Manifest(ctx context.Context, task *domain.Task) (*Stream, error) {
	if a.sharedEnabled {
		return a.openLocal(task.TaskID, "manifest.json", "application/json")
	}
	runner, err := a.runnerFor(task)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Manifest(ctx, runner, task.TaskID)
	if err != nil {
		return nil, mapUpstream(err)
	}
	return proxyStream(resp, "application/json", ""), nil
}

// File returns one output file named by its manifest-relative path.
func (a *Access) File(ctx context.Context, task *domain.Task, filePath string) (*Stream, error) {
	cleaned, err := sanitizePath(filePath)
	if err != nil {
		return nil, err
	}
	if a.sharedEnabled {
		return a.openLocal(task.TaskID, cleaned, "")
	}
	runner, err := a.runnerFor(task)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.File(ctx, runner, task.TaskID, cleaned)
	if err != nil {
		return nil, mapUpstream(err)
	}
	return proxyStream(resp, "application/octet-stream", path.Base(cleaned)), nil
}

// sanitizePath rejects anything that could escape the task directory before
// the filesystem is touched: absolute paths, backslashes, and any ".."
// segment.
func sanitizePath(p string) (string, error) {
	if p == "" || strings.Contains(p, "\\") || path.IsAbs(p) {
		return "", ErrTraversal
	}
	// Reject ".." segments outright instead of cleaning them away: a
	// traversal attempt is an error, not a path to normalize.
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrTraversal
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "" || cleaned == "." {
		return "", ErrTraversal
	}
	return cleaned, nil
}

// openLocal opens {root}/{taskID}/{rel} and double-checks the resolved path
// still sits inside the task directory.
func (a *Access) openLocal(taskID, rel, forcedType string) (*Stream, error) {
	taskDir := filepath.Join(a.root, taskID)
	full := filepath.Join(taskDir, filepath.FromSlash(rel))

	if resolved, err := filepath.Rel(taskDir, full); err != nil || strings.HasPrefix(resolved, "..") {
		return nil, ErrTraversal
	}

	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	ct := forcedType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(full))
		if ct == "" {
			ct = "application/octet-stream"
		}
	}
	filename := ""
	if forcedType == "" {
		filename = filepath.Base(full)
	}
	return &Stream{Body: f, ContentType: ct, Size: info.Size(), Filename: filename}, nil
}

func (a *Access) runnerFor(task *domain.Task) (domain.Runner, error) {
	if task.RunnerURL == "" {
		return domain.Runner{}, ErrNotFound
	}
	runner, err := a.runners.Get(task.RunnerURL)
	if err != nil {
		return domain.Runner{}, fmt.Errorf("%w: runner no longer registered", ErrUpstream)
	}
	return runner, nil
}

func proxyStream(resp *http.Response, fallbackType, filename string) *Stream {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = fallbackType
	}
	size := resp.ContentLength
	if filename == "" {
		// Preserve the runner's filename hint for manifests that carry one.
		if cd := resp.Header.Get("Content-Disposition"); cd != "" {
			if _, params, err := mime.ParseMediaType(cd); err == nil {
				filename = params["filename"]
			}
		}
	}
	return &Stream{Body: resp.Body, ContentType: ct, Size: size, Filename: filename}
}

// mapUpstream translates runner call failures into the package taxonomy:
// runner 404 stays 404 for the client, everything else is a 502.
func mapUpstream(err error) error {
	var rejected *runnerclient.RejectedError
	if errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
