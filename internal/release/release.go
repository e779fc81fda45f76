// Package release resolves the newest published application version and
// streams its archive.
package release

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"

	"smsrelay/internal/constants"
	"smsrelay/internal/errors"
	"smsrelay/internal/models"
	"smsrelay/internal/security"
)

// VersionSource lists published versions
type VersionSource interface {
	Versions(ctx context.Context) ([]models.Version, error)
}

type Service struct {
	source    VersionSource
	dir       string
	pattern   string
	chunkSize int
	logger    *logrus.Logger
}

func NewService(source VersionSource, cfg models.ReleaseConfig, logger *logrus.Logger) *Service {
	s := &Service{
		source:    source,
		dir:       cfg.StorageDir,
		pattern:   cfg.FileNamePattern,
		chunkSize: cfg.ChunkSizeKB * 1024,
		logger:    logger,
	}
	if s.dir == "" {
		s.dir = constants.DefaultReleaseStorageDir
	}
	if s.pattern == "" {
		s.pattern = constants.DefaultReleaseFileNamePattern
	}
	if s.chunkSize <= 0 {
		s.chunkSize = constants.DefaultReleaseChunkSizeKB * 1024
	}
	return s
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Latest returns the highest semantic version. Entries that are not valid
// semver are skipped.
func Latest(versions []models.Version) (models.Version, bool) {
	var (
		best  models.Version
		found bool
	)
	for _, v := range versions {
		c := canonical(v.Version)
		if !semver.IsValid(c) {
			continue
		}
		if !found || semver.Compare(c, canonical(best.Version)) > 0 {
			best, found = v, true
		}
	}
	return best, found
}

// CurrentVersion returns the newest published version
func (s *Service) CurrentVersion(ctx context.Context) (models.Version, error) {
	versions, err := s.source.Versions(ctx)
	if err != nil {
		return models.Version{}, err
	}
	v, ok := Latest(versions)
	if !ok {
		return models.Version{}, errors.NewNotFoundError("version", "latest")
	}
	return v, nil
}

// Package is an opened archive ready to stream
type Package struct {
	Version   string
	Name      string
	Size      int64
	file      *os.File
	chunkSize int
}

// Open locates the archive of the current version
func (s *Service) Open(ctx context.Context) (*Package, error) {
	v, err := s.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf(s.pattern, strings.TrimSpace(v.Version))
	if err := security.ValidateFileName(name); err != nil {
		return nil, errors.NewValidationError("version", err.Error())
	}
	path, err := security.ResolveWithin(s.dir, name)
	if err != nil {
		return nil, errors.NewValidationError("version", err.Error())
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("release", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to open release")
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to stat release")
	}

	s.logger.WithFields(logrus.Fields{"version": v.Version, "file": name}).Debug("Release opened")
	return &Package{Version: v.Version, Name: name, Size: info.Size(), file: f, chunkSize: s.chunkSize}, nil
}

// WriteTo copies the archive in fixed-size chunks, flushing after each one
// when w supports it.
func (p *Package) WriteTo(w io.Writer) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, p.chunkSize)

	var written int64
	for {
		n, readErr := p.file.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func (p *Package) Close() error {
	return p.file.Close()
}
