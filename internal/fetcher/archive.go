package fetcher

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveKind identifies how a source bundle is unpacked.
type ArchiveKind int

const (
	KindTar ArchiveKind = iota + 1
	KindGzipTar
	KindZip
	KindPDF
)

func (k ArchiveKind) String() string {
	switch k {
	case KindTar:
		return "tar"
	case KindGzipTar:
		return "gzip"
	case KindZip:
		return "zip"
	case KindPDF:
		return "pdf"
	default:
		return "unknown"
	}
}

// maxFileSize caps every extracted file.
const maxFileSize = 100 * 1024 * 1024

type archiveFormat struct {
	kind        ArchiveKind
	contentType string
	extension   string
	// extract unpacks archivePath into dstDir; nil for bundles that are
	// already a rendered document.
	extract func(archivePath, dstDir string) error
}

// archiveFormats is matched in order against the response content type, so
// the generic "application/x-eprint" must come after its more specific forms.
var archiveFormats = []archiveFormat{
	{kind: KindTar, contentType: "application/x-eprint-tar", extension: ".tar", extract: extractTar},
	{kind: KindPDF, contentType: "application/x-eprint-pdf", extension: ".pdf"},
	{kind: KindGzipTar, contentType: "application/x-eprint", extension: ".gz", extract: extractGzip},
	{kind: KindZip, contentType: "application/zip", extension: ".zip", extract: extractZip},
}

func formatFor(contentType string) (archiveFormat, error) {
	for _, f := range archiveFormats {
		if strings.Contains(contentType, f.contentType) {
			return f, nil
		}
	}
	return archiveFormat{}, fmt.Errorf("%w: content type %q", ErrUnknownFormat, contentType)
}

func extractTar(archivePath, dstDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	return untar(tar.NewReader(f), dstDir)
}

// extractGzip unpacks a gzipped tar. arXiv serves single-file submissions as
// a gzipped TeX file under the same content type; those become main.tex.
func extractGzip(archivePath, dstDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	data, err := io.ReadAll(io.LimitReader(gzr, maxFileSize))
	if err != nil {
		return err
	}

	tr := tar.NewReader(bytes.NewReader(data))
	if _, err := tr.Next(); err != nil {
		return writeFile(dstDir, "main.tex", bytes.NewReader(data))
	}
	return untar(tar.NewReader(bytes.NewReader(data)), dstDir)
}

func untar(tr *tar.Reader, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			target, ok := safeJoin(dstDir, hdr.Name)
			if !ok {
				continue
			}
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(dstDir, hdr.Name, tr); err != nil {
				return err
			}
		}
	}
}

func extractZip(archivePath, dstDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}

	for _, file := range zr.File {
		if file.FileInfo().IsDir() {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return err
		}
		err = writeFile(dstDir, file.Name, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin rejects entry names that escape dstDir.
func safeJoin(dstDir, name string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(dstDir, clean), true
}

func writeFile(dstDir, name string, r io.Reader) error {
	target, ok := safeJoin(dstDir, name)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, io.LimitReader(r, maxFileSize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
