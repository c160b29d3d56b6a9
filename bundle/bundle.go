package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"FilamentDetServer/errdefs"
	"FilamentDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ModelFile               = "model.pb"
	PreprocessingGraphFile  = "preprocessing_graph.pb"
	PostprocessingGraphFile = "postprocessing_graph.pb"
	ParametersFile          = "parameters.yml"
	// optional: first line is the model name, the rest are class labels
	LabelsFile = "labels.txt"

	DefaultTimeout = 60 * time.Second
)

var packageRef = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Bundle is an unpacked model directory.
type Bundle struct {
	Name     string
	Dir      string
	Location string
	Params   Parameters

	temp string
}

func (b *Bundle) Path(member string) string {
	return filepath.Join(b.Dir, member)
}

func (b *Bundle) Has(member string) bool {
	st, err := os.Stat(b.Path(member))
	return err == nil && !st.IsDir()
}

// Require fails with a configuration error when a member is missing.
func (b *Bundle) Require(members ...string) error {
	for _, m := range members {
		if !b.Has(m) {
			return errdefs.Configurationf("bundle.Require", "model bundle %s has no %s", b.Location, m)
		}
	}
	return nil
}

// Close removes the private directory an archive was extracted to.
func (b *Bundle) Close() error {
	if b.temp == "" {
		return nil
	}
	err := os.RemoveAll(b.temp)
	b.temp = ""
	return err
}

type Loader struct {
	// Registry resolves "<owner>/<name>" references to <Registry>/<owner>/<name>.zip.
	Registry string
	TempRoot string
	Client   *resty.Client
}

func NewLoader(registry, tempRoot string, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Loader{
		Registry: strings.TrimRight(registry, "/"),
		TempRoot: tempRoot,
		Client:   resty.New().SetTimeout(timeout),
	}
}

// Load resolves location (directory, .zip file, http(s) URL to a .zip, or
// "<owner>/<name>") and reads the bundle parameters.
func (l *Loader) Load(ctx context.Context, location string) (*Bundle, error) {
	if location == "" {
		return nil, errdefs.Configurationf("bundle.Load", "model location is empty")
	}
	log := logger.Named("bundle")

	var (
		b   *Bundle
		err error
	)
	switch {
	case strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://"):
		b, err = l.fetch(ctx, location, location)
	default:
		st, statErr := os.Stat(location)
		switch {
		case statErr == nil && st.IsDir():
			b = &Bundle{Dir: location, Location: location}
		case statErr == nil:
			b, err = l.unpack(location, location)
		case errors.Is(statErr, os.ErrNotExist) && packageRef.MatchString(location):
			if l.Registry == "" {
				return nil, errdefs.Configurationf("bundle.Load", "%s looks like a package reference but no registry is configured", location)
			}
			b, err = l.fetch(ctx, fmt.Sprintf("%s/%s.zip", l.Registry, location), location)
		default:
			return nil, errdefs.Configurationf("bundle.Load", "model location %s: %w", location, statErr)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := b.init(); err != nil {
		_ = b.Close()
		return nil, err
	}
	log.Info("model bundle loaded",
		zap.String("location", location),
		zap.String("name", b.Name),
		zap.String("dir", b.Dir),
		zap.Strings("classes", b.Params.ClassNames))
	return b, nil
}

func (b *Bundle) init() error {
	if err := b.Require(ModelFile, ParametersFile); err != nil {
		return err
	}
	p, err := ReadParameters(b.Path(ParametersFile))
	if err != nil {
		return err
	}
	b.Name = strings.TrimSuffix(filepath.Base(b.Location), filepath.Ext(b.Location))
	if b.Has(LabelsFile) {
		lines, err := readLines(b.Path(LabelsFile))
		if err != nil {
			return errdefs.Configurationf("bundle.Load", "read %s: %w", LabelsFile, err)
		}
		if len(lines) > 0 {
			b.Name = lines[0]
		}
		if len(lines) > 1 {
			p.ClassNames = lines[1:]
			if err := p.Validate(); err != nil {
				return fmt.Errorf("%s: %w", LabelsFile, err)
			}
		}
	}
	b.Params = p
	return nil
}

func (l *Loader) tempDir() (string, error) {
	root := l.TempRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return "", errdefs.Resource("bundle.tempDir", err)
		}
	}
	dir, err := os.MkdirTemp(root, "bundle-"+uuid.NewString()+"-")
	if err != nil {
		return "", errdefs.Resource("bundle.tempDir", err)
	}
	return dir, nil
}

func (l *Loader) fetch(ctx context.Context, url, location string) (*Bundle, error) {
	dir, err := l.tempDir()
	if err != nil {
		return nil, err
	}
	archive := filepath.Join(dir, "bundle.zip")
	client := l.Client
	if client == nil {
		client = resty.New().SetTimeout(DefaultTimeout)
	}
	resp, err := client.R().
		SetContext(ctx).
		SetOutput(archive).
		Get(url)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, errdefs.Resource("bundle.fetch", fmt.Errorf("download %s: %w", url, err))
	}
	if resp.IsError() {
		_ = os.RemoveAll(dir)
		return nil, errdefs.Resource("bundle.fetch", fmt.Errorf("download %s: %s", url, resp.Status()))
	}
	logger.Named("bundle").Debug("model archive downloaded", zap.String("url", url), zap.Int64("bytes", resp.Size()))

	root, err := extract(archive, filepath.Join(dir, "model"))
	_ = os.Remove(archive)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &Bundle{Dir: root, Location: location, temp: dir}, nil
}

func (l *Loader) unpack(path, location string) (*Bundle, error) {
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return nil, errdefs.Configurationf("bundle.Load", "%s is neither a directory nor a .zip archive", path)
	}
	dir, err := l.tempDir()
	if err != nil {
		return nil, err
	}
	root, err := extract(path, filepath.Join(dir, "model"))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &Bundle{Dir: root, Location: location, temp: dir}, nil
}
