package fetcher

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arxiv-rag/internal/models"
)

const mainTeX = "\\documentclass{article}\n\\usepackage{amsmath}\n\\begin{document}\n\\section{Intro} Hello arXiv.\n\\end{document}\n"

func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type arxivStub struct {
	server      *httptest.Server
	sourceHits  atomic.Int32
	pdfHits     atomic.Int32
	contentType string
	source      []byte
	sourceCode  int
}

func newArxivStub(t *testing.T, contentType string, source []byte, sourceCode int) *arxivStub {
	stub := &arxivStub{contentType: contentType, source: source, sourceCode: sourceCode}
	mux := http.NewServeMux()
	mux.HandleFunc("/e-print/", func(w http.ResponseWriter, r *http.Request) {
		stub.sourceHits.Add(1)
		if stub.sourceCode != http.StatusOK {
			w.WriteHeader(stub.sourceCode)
			return
		}
		w.Header().Set("Content-Type", stub.contentType)
		w.Write(stub.source)
	})
	mux.HandleFunc("/pdf/", func(w http.ResponseWriter, r *http.Request) {
		stub.pdfHits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *arxivStub) fetcher(outputDir string) *Fetcher {
	return New(Options{
		SourceBaseURL: s.server.URL + "/e-print/",
		PDFBaseURL:    s.server.URL + "/pdf/",
		OutputDir:     outputDir,
	})
}

func TestFetch_SourceBundles(t *testing.T) {
	files := map[string]string{
		"main.tex":          mainTeX,
		"sections/data.tex": "\\section{Data} Numbers.",
		"figure.png":        "not text",
	}

	tests := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{"tar", "application/x-eprint-tar", tarBytes(t, files)},
		{"gzip tar", "application/x-eprint", gzipBytes(t, tarBytes(t, files))},
		{"zip", "application/zip", zipBytes(t, files)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newArxivStub(t, tt.contentType, tt.body, http.StatusOK)
			out := t.TempDir()

			doc, err := stub.fetcher(out).Fetch(context.Background(), "2301.00001")
			require.NoError(t, err)

			assert.Equal(t, "2301.00001", doc.ID)
			assert.Equal(t, models.FormatTeX, doc.Format)
			assert.NotContains(t, doc.Text, "\\documentclass")
			assert.NotContains(t, doc.Text, "amsmath")
			assert.Contains(t, doc.Text, "\\section{Intro} Hello arXiv.")
			assert.Contains(t, doc.Text, "\\section{Data} Numbers.")
			assert.NotContains(t, doc.Text, "not text")
			assert.Less(t, strings.Index(doc.Text, "Hello"), strings.Index(doc.Text, "Numbers"), "walk order")

			assert.DirExists(t, filepath.Join(out, "2301.00001"))
			assert.Zero(t, stub.pdfHits.Load())
		})
	}
}

func TestFetch_GzipSingleFile(t *testing.T) {
	stub := newArxivStub(t, "application/x-eprint", gzipBytes(t, []byte(mainTeX)), http.StatusOK)
	out := t.TempDir()

	doc, err := stub.fetcher(out).Fetch(context.Background(), "2301.00002")
	require.NoError(t, err)

	assert.Equal(t, models.FormatTeX, doc.Format)
	assert.Contains(t, doc.Text, "Hello arXiv.")
	assert.FileExists(t, filepath.Join(out, "2301.00002", "main.tex"))
}

func TestFetch_OldStyleIdentifier(t *testing.T) {
	stub := newArxivStub(t, "application/x-eprint-tar", tarBytes(t, map[string]string{"a.tex": mainTeX}), http.StatusOK)
	out := t.TempDir()

	_, err := stub.fetcher(out).Fetch(context.Background(), "hep-th/9901001")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(out, "hep-th_9901001.tar"))
	assert.DirExists(t, filepath.Join(out, "hep-th_9901001"))
}

func TestFetch_SourceMissingFallsBackToPDF(t *testing.T) {
	stub := newArxivStub(t, "", nil, http.StatusNotFound)

	doc, err := stub.fetcher(t.TempDir()).Fetch(context.Background(), "1234.5678")
	require.Error(t, err)
	assert.Nil(t, doc)
	assert.ErrorIs(t, err, ErrFetch)
	assert.EqualValues(t, 1, stub.sourceHits.Load())
	assert.EqualValues(t, 1, stub.pdfHits.Load())
}

func TestFetch_UnknownContentTypeFallsBackToPDF(t *testing.T) {
	stub := newArxivStub(t, "text/html", []byte("<html></html>"), http.StatusOK)

	_, err := stub.fetcher(t.TempDir()).Fetch(context.Background(), "1234.5678")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.EqualValues(t, 1, stub.pdfHits.Load())
}

func TestFetch_BundleWithoutTeXFallsBackToPDF(t *testing.T) {
	stub := newArxivStub(t, "application/x-eprint-tar", tarBytes(t, map[string]string{"readme.txt": "hi"}), http.StatusOK)

	_, err := stub.fetcher(t.TempDir()).Fetch(context.Background(), "1234.5678")
	assert.ErrorIs(t, err, ErrFetch)
	assert.EqualValues(t, 1, stub.pdfHits.Load())
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		contentType string
		want        ArchiveKind
		wantErr     bool
	}{
		{"application/x-eprint-tar", KindTar, false},
		{"application/x-eprint-pdf", KindPDF, false},
		{"application/x-eprint", KindGzipTar, false},
		{"application/zip", KindZip, false},
		{"application/octet-stream", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			f, err := formatFor(tt.contentType)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.kind)
		})
	}
}

func TestUntar_SkipsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar")
	require.NoError(t, os.WriteFile(archive, tarBytes(t, map[string]string{
		"../escape.tex": "bad",
		"ok.tex":        "good",
	}), 0644))

	dst := filepath.Join(dir, "out")
	require.NoError(t, extractTar(archive, dst))

	assert.FileExists(t, filepath.Join(dst, "ok.tex"))
	assert.NoFileExists(t, filepath.Join(dir, "escape.tex"))
}
