package corecache

import (
	"archive/tar"
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiveBasenameStripsKnownExtensions(t *testing.T) {
	require.Equal(t, "FahCore_22", archiveBasename("https://example/cores/FahCore_22.tar.bz2"))
	require.Equal(t, "FahCore_a8", archiveBasename("https://example/cores/FahCore_a8.tar.gz"))
	require.Equal(t, "FahCore_a8", archiveBasename("https://example/cores/FahCore_a8.tgz"))
}

func TestExtractArchiveWritesFilesUnderTopLevelDir(t *testing.T) {
	archive := buildTar(t, map[string]string{
		"FahCore_22/FahCore_22": "binary-contents",
		"FahCore_22/readme.txt": "hello",
	})

	destDir := t.TempDir()
	err := extractArchive(archive, "https://example/cores/FahCore_22.tar", destDir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(destDir, "FahCore_22"))
	require.NoError(t, err)
	require.Equal(t, "binary-contents", string(data))
}

func TestExtractArchiveRejectsPathEscape(t *testing.T) {
	archive := buildTar(t, map[string]string{
		"FahCore_22/../../etc/passwd": "pwned",
	})

	destDir := t.TempDir()
	err := extractArchive(archive, "https://example/cores/FahCore_22.tar", destDir)
	require.Error(t, err)
}

func TestExtractArchiveRejectsWrongTopLevelDir(t *testing.T) {
	archive := buildTar(t, map[string]string{
		"some_other_dir/file.txt": "data",
	})

	destDir := t.TempDir()
	err := extractArchive(archive, "https://example/cores/FahCore_22.tar", destDir)
	require.Error(t, err)
}

func TestCertUsageAttributeNormalization(t *testing.T) {
	require.Equal(t, "core16", certUsageAttribute(&x509.Certificate{Subject: pkix.Name{CommonName: "core16"}}))
	require.Equal(t, "core", certUsageAttribute(&x509.Certificate{Subject: pkix.Name{CommonName: " CORE "}}))
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}
