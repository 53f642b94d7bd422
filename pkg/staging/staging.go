package staging

import (
	"archive/zip"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
)

// Stager downloads setup-time artifacts into the workspace, verifies the
// digest embedded in their names, and unpacks archives. It is not a
// general download manager; a failure here is fatal to startup, like
// catalog initialization.
type Stager struct {
	fs     afero.Fs
	client *http.Client
}

func New(fs afero.Fs) *Stager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	// No client timeout: artifacts are large and downloads are bounded
	// by the caller's context instead.
	return &Stager{fs: fs, client: &http.Client{}}
}

// Fetch downloads rawurl into destDir unless an artifact with a valid
// digest is already present. Archives (.zip, .gz) are unpacked into
// destDir. Returns the path of the downloaded artifact.
func (s *Stager) Fetch(ctx context.Context, rawurl, destDir string) (string, error) {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return "", fmt.Errorf("parse artifact url: %w", err)
	}
	name := path.Base(parsed.Path)
	dest := filepath.Join(destDir, name)

	if err := s.fs.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}

	if exists, _ := afero.Exists(s.fs, dest); exists {
		if err := s.Verify(dest); err == nil {
			log.Debugf("artifact %s already staged", name)
			return dest, nil
		}
		log.Warnf("artifact %s present but failed verification, refetching", name)
	}

	if err := s.download(ctx, rawurl, dest); err != nil {
		return "", err
	}
	if err := s.Verify(dest); err != nil {
		return "", err
	}
	if err := s.Unpack(dest, destDir); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *Stager) download(ctx context.Context, rawurl, dest string) error {
	log.Infof("downloading %s", rawurl)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return fmt.Errorf("build artifact request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download artifact: %s returned %s", rawurl, resp.Status)
	}

	tmp := dest + ".partial"
	file, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create artifact file: %w", err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		_ = file.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	return s.fs.Rename(tmp, dest)
}

// Verify checks the digest embedded in the artifact's filename. Artifacts
// without an embedded digest pass.
func (s *Stager) Verify(artifactPath string) error {
	algo, sum, ok := EmbeddedDigest(filepath.Base(artifactPath))
	if !ok {
		return nil
	}

	hasher, err := newHasher(algo, len(sum))
	if err != nil {
		return err
	}

	file, err := s.fs.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.HasPrefix(actual, strings.ToLower(sum)) {
		return fmt.Errorf("artifact %s digest mismatch: %s != %s",
			filepath.Base(artifactPath), actual, sum)
	}
	return nil
}

// Unpack expands .zip and .gz artifacts into destDir. Other files are
// left as-is.
func (s *Stager) Unpack(artifactPath, destDir string) error {
	switch {
	case strings.HasSuffix(artifactPath, ".zip"):
		return s.unzip(artifactPath, destDir)
	case strings.HasSuffix(artifactPath, ".gz"):
		return s.gunzip(artifactPath, destDir)
	}
	return nil
}

func (s *Stager) unzip(artifactPath, destDir string) error {
	info, err := s.fs.Stat(artifactPath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	file, err := s.fs.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	reader, err := zip.NewReader(file, info.Size())
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	for _, entry := range reader.File {
		target := filepath.Join(destDir, filepath.Clean(entry.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes destination", entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := s.fs.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create archive directory: %w", err)
			}
			continue
		}

		if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
		if err := s.extractZipEntry(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stager) extractZipEntry(entry *zip.File, target string) error {
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := s.fs.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	return nil
}

func (s *Stager) gunzip(artifactPath, destDir string) error {
	file, err := s.fs.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	defer reader.Close()

	target := filepath.Join(destDir,
		strings.TrimSuffix(filepath.Base(artifactPath), ".gz"))
	dst, err := s.fs.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, reader); err != nil {
		return fmt.Errorf("extract %s: %w", artifactPath, err)
	}
	return nil
}
