// Package corecache implements the Core Cache: fetch, verify, and
// unpack signed native compute kernels by canonical URL (spec.md
// section 4.3).
//
// The cache path/URL validation idiom (expand, detect scheme, reject
// anything that isn't a safe local path) is grounded on the now-deleted
// plugin/grpc/loader.go's expandAndValidatePath, which used go-getter's
// Detect for the same purpose against plugin search paths; here it
// validates the local cache directory a downloaded kernel extracts
// into rather than a plugin search path.
package corecache

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/httpclient"
	"github.com/foldlattice/agent/internal/identity"
	"github.com/foldlattice/agent/internal/kv"
	"github.com/foldlattice/agent/internal/logger"
)

// Progress is the (total, size) callback spec.md section 4.3 requires
// for in-flight core listeners: size/total == 1 marks completion
// (ready or invalid).
type Progress func(total, size int64)

// Entry is the persisted `cores` table row: url -> {path, sha256, type}.
type Entry struct {
	URL    string `json:"url"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Type   int    `json:"type"`
}

// Cache fetches, verifies, unpacks, and caches compute kernels.
type Cache struct {
	table   *kv.Table
	client  *httpclient.SaferClient
	baseDir string
	log     *zap.SugaredLogger
}

// New binds a Cache to the cores table and a cache directory on disk.
func New(table *kv.Table, client *httpclient.SaferClient, baseDir string) (*Cache, error) {
	resolved, err := validateCacheDir(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return nil, errs.Wrapf(err, "failed to create core cache directory %s", resolved)
	}
	return &Cache{table: table, client: client, baseDir: resolved, log: logger.ComponentLogger("corecache")}, nil
}

// validateCacheDir expands ~ and makes baseDir absolute via go-getter's
// Detect, rejecting anything that resolves to a non-local scheme.
func validateCacheDir(baseDir string) (string, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errs.Wrap(err, "failed to resolve home directory")
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(baseDir, pwd, getter.Detectors)
	if err != nil {
		return "", errs.Wrap(err, "invalid core cache directory")
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errs.Wrap(err, "failed to parse core cache directory")
	}

	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "":
		abs, err := filepath.Abs(baseDir)
		if err != nil {
			return "", errs.Wrap(err, "failed to make core cache directory absolute")
		}
		return abs, nil
	default:
		return "", errs.Newf("unsupported core cache directory scheme: %s", u.Scheme)
	}
}

// Get returns the local path to the kernel at coreURL, using the
// persisted mapping if its sha256 still matches expectedSHA256, or
// performing the full fetch/verify/unpack pipeline otherwise.
func (c *Cache) Get(ctx context.Context, coreURL string, expectedSHA256 string, coreType int, onProgress Progress) (string, error) {
	if onProgress == nil {
		onProgress = func(int64, int64) {}
	}

	if entry, ok, err := c.lookup(coreURL); err == nil && ok && entry.SHA256 == expectedSHA256 {
		if _, statErr := os.Stat(entry.Path); statErr == nil {
			onProgress(1, 1)
			return entry.Path, nil
		}
	}

	path, err := c.fetchAndUnpack(ctx, coreURL, expectedSHA256, coreType, onProgress)
	if err != nil {
		onProgress(1, 1)
		return "", err
	}

	entry := Entry{URL: coreURL, Path: path, SHA256: expectedSHA256, Type: coreType}
	if err := c.persist(entry); err != nil {
		return "", err
	}

	onProgress(1, 1)
	return path, nil
}

func (c *Cache) lookup(coreURL string) (Entry, bool, error) {
	raw, ok, err := c.table.Get(coreURL)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *Cache) persist(entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(err, "failed to marshal core cache entry")
	}
	return c.table.Set(entry.URL, string(raw))
}

// fetchAndUnpack performs the three sequential GETs, verification
// chain, decompression, and tar extraction spec.md section 4.3
// describes.
func (c *Cache) fetchAndUnpack(ctx context.Context, coreURL, expectedSHA256 string, coreType int, onProgress Progress) (string, error) {
	certPEM, err := c.getBody(ctx, coreURL+".crt")
	if err != nil {
		return "", err
	}
	sigB64, err := c.getBody(ctx, coreURL+".sig")
	if err != nil {
		return "", err
	}
	archive, total, err := c.getArchive(ctx, coreURL, onProgress)
	if err != nil {
		return "", err
	}

	cert, usage, err := verifyUsage(certPEM, coreType)
	if err != nil {
		return "", err
	}
	c.log.Infow("core certificate verified", "url", coreURL, "usage", usage)

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", errs.WithKind(errs.Newf("core certificate does not carry an RSA public key"), errs.KindIntegrity)
	}

	sum := sha256.Sum256(archive)
	archiveSHA := hex.EncodeToString(sum[:])

	if err := identity.Verify(pub, sum[:], strings.TrimSpace(string(sigB64))); err != nil {
		return "", errs.WithKind(err, errs.KindIntegrity)
	}

	if archiveSHA != expectedSHA256 {
		return "", errs.WithKind(errs.Newf("archive sha256 mismatch: got %s want %s", archiveSHA, expectedSHA256), errs.KindIntegrity)
	}

	destDir := filepath.Join(c.baseDir, archiveSHA)
	if err := extractArchive(archive, coreURL, destDir); err != nil {
		return "", errs.WithKind(err, errs.KindLocalEnv)
	}

	binPath, err := locateCoreBinary(destDir, coreType)
	if err != nil {
		return "", errs.WithKind(err, errs.KindLocalEnv)
	}
	if err := os.Chmod(binPath, 0o755); err != nil {
		return "", errs.Wrapf(err, "failed to mark %s executable", binPath)
	}

	onProgress(total, total)
	return binPath, nil
}

func (c *Cache) getBody(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.Wrapf(err, "failed to build request for %s", u)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.WithKind(errs.Wrapf(err, "failed to fetch %s", u), errs.KindTransient)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, errs.WithKind(errs.Newf("unexpected status %d fetching %s", resp.StatusCode, u), errs.KindRejected)
	}
	return io.ReadAll(resp.Body)
}

func (c *Cache) getArchive(ctx context.Context, u string, onProgress Progress) ([]byte, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, errs.Wrapf(err, "failed to build request for %s", u)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, errs.WithKind(errs.Wrapf(err, "failed to fetch %s", u), errs.KindTransient)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, 0, errs.WithKind(errs.Newf("unexpected status %d fetching %s", resp.StatusCode, u), errs.KindRejected)
	}

	total := resp.ContentLength
	var body []byte
	buf := make([]byte, 64*1024)
	var read int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
			read += int64(n)
			onProgress(total, read)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, errs.Wrap(err, "failed reading archive body")
		}
	}

	return body, read, nil
}

// verifyUsage checks the certificate carries the "core|core<XX>"
// usage attribute for coreType, returning the parsed certificate and
// the matched usage string.
func verifyUsage(certPEM []byte, coreType int) (*x509.Certificate, string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, "", errs.WithKind(errs.Newf("invalid certificate PEM"), errs.KindIntegrity)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, "", errs.WithKind(errs.Wrap(err, "failed to parse core certificate"), errs.KindIntegrity)
	}

	wantGeneric := "core"
	wantSpecific := fmt.Sprintf("core%02x", coreType)

	usage := certUsageAttribute(cert)
	if usage == wantGeneric || usage == wantSpecific {
		return cert, usage, nil
	}
	return nil, "", errs.WithKind(errs.Newf("certificate usage %q does not match core type %s", usage, wantSpecific), errs.KindIntegrity)
}

// certUsageAttribute reads the custom "usage" attribute out of the
// certificate subject's common name, the same per-cert marker used by
// the Assignment/Work server certificates (AS/WS) elsewhere in the
// wire protocol.
func certUsageAttribute(cert *x509.Certificate) string {
	return strings.ToLower(strings.TrimSpace(cert.Subject.CommonName))
}

// extractArchive decompresses by extension and extracts the tarball,
// rejecting any member whose name escapes a single top-level directory
// matching the archive's basename.
func extractArchive(archive []byte, coreURL, destDir string) error {
	reader, err := decompress(archive, coreURL)
	if err != nil {
		return err
	}

	base := archiveBasename(coreURL)

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.Wrap(err, "failed to read tar entry")
		}

		cleaned := filepath.Clean(hdr.Name)
		if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
			return errs.Newf("tar member %q escapes archive root", hdr.Name)
		}
		topLevel := strings.SplitN(cleaned, string(filepath.Separator), 2)[0]
		if topLevel != base {
			return errs.Newf("tar member %q outside expected directory %q", hdr.Name, base)
		}

		rel := strings.TrimPrefix(cleaned, base+string(filepath.Separator))
		target := filepath.Join(destDir, rel)
		cleanDest := filepath.Clean(destDir)
		if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(filepath.Separator)) {
			return errs.Newf("tar member %q escapes destination directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errs.Wrapf(err, "failed to create directory %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errs.Wrapf(err, "failed to create directory for %s", target)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return errs.Wrapf(err, "failed to create %s", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errs.Wrapf(err, "failed to write %s", target)
			}
			out.Close()
		}
	}

	return nil
}

func decompress(archive []byte, coreURL string) (io.Reader, error) {
	reader := io.Reader(strings.NewReader(string(archive)))

	switch {
	case strings.HasSuffix(coreURL, ".tar.gz"), strings.HasSuffix(coreURL, ".tgz"):
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, errs.Wrap(err, "failed to open gzip stream")
		}
		return gz, nil
	case strings.HasSuffix(coreURL, ".tar.bz2"):
		return bzip2.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// archiveBasename derives the expected top-level directory name from
// the archive URL, stripping known compressed-tar extensions.
func archiveBasename(coreURL string) string {
	name := filepath.Base(coreURL)
	for _, ext := range []string{".tar.gz", ".tar.bz2", ".tgz", ".tar"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

// locateCoreBinary finds FahCore_<XX> (platform-suffixed on Windows)
// under destDir.
func locateCoreBinary(destDir string, coreType int) (string, error) {
	want := fmt.Sprintf("FahCore_%02X", coreType)

	var found string
	err := filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if found != "" {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if name == want || strings.HasPrefix(name, want+".") {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", errs.Wrapf(err, "failed to search %s for core binary", destDir)
	}
	if found == "" {
		return "", errs.Newf("core binary %s not found in archive", want)
	}
	return found, nil
}
