package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"arxiv-rag/internal/models"
	"arxiv-rag/internal/parser"
)

var (
	// ErrFetch means neither the source bundle nor the PDF yielded text.
	ErrFetch = errors.New("fetch failed")
	// ErrUnknownFormat means the source bundle's content type is not recognised.
	ErrUnknownFormat = errors.New("unknown format")
)

const (
	DefaultSourceBaseURL = "https://arxiv.org/e-print/"
	DefaultPDFBaseURL    = "https://arxiv.org/pdf/"
	defaultUserAgent     = "arxiv-rag/1.0"
)

// Options configures a Fetcher.
type Options struct {
	SourceBaseURL string
	PDFBaseURL    string
	// OutputDir receives downloaded bundles, PDFs and extracted trees. Nothing
	// is cleaned up afterwards.
	OutputDir string
	UserAgent string
	Timeout   time.Duration
	// RateLimit is the minimum delay between requests to arXiv.
	RateLimit time.Duration
}

// Fetcher downloads paper text from arXiv.
type Fetcher struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
}

// New creates a Fetcher, filling in defaults for empty options.
func New(opts Options) *Fetcher {
	if opts.SourceBaseURL == "" {
		opts.SourceBaseURL = DefaultSourceBaseURL
	}
	if opts.PDFBaseURL == "" {
		opts.PDFBaseURL = DefaultPDFBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Every(opts.RateLimit)
	}

	return &Fetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Fetch returns the text of a paper: the concatenated TeX sources with
// preambles stripped, or the PDF text when the source bundle is unusable.
func (f *Fetcher) Fetch(ctx context.Context, paperID string) (*models.Document, error) {
	if err := os.MkdirAll(f.opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %w", ErrFetch, err)
	}

	doc, srcErr := f.fetchSource(ctx, paperID)
	if srcErr == nil {
		return doc, nil
	}
	log.Warn().Err(srcErr).Str("paper_id", paperID).Msg("Source bundle unavailable, falling back to pdf")

	doc, pdfErr := f.fetchPDF(ctx, paperID)
	if pdfErr != nil {
		return nil, fmt.Errorf("%w: %s: source: %w; pdf: %w", ErrFetch, paperID, srcErr, pdfErr)
	}
	return doc, nil
}

func (f *Fetcher) fetchSource(ctx context.Context, paperID string) (*models.Document, error) {
	resp, err := f.get(ctx, f.opts.SourceBaseURL+paperID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	format, err := formatFor(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	name := safeID(paperID)
	archivePath := filepath.Join(f.opts.OutputDir, name+format.extension)
	if err := saveBody(resp.Body, archivePath); err != nil {
		return nil, err
	}

	if format.extract == nil {
		return pdfDocument(paperID, archivePath)
	}

	extracted := filepath.Join(f.opts.OutputDir, name)
	if err := format.extract(archivePath, extracted); err != nil {
		return nil, fmt.Errorf("extract %s bundle: %w", format.kind, err)
	}

	text, files, err := collectTeX(extracted)
	if err != nil {
		return nil, err
	}
	if files == 0 {
		return nil, fmt.Errorf("no .tex files in %s bundle", format.kind)
	}

	log.Debug().Str("paper_id", paperID).Str("format", format.kind.String()).Int("tex_files", files).Msg("Extracted source bundle")
	return &models.Document{ID: paperID, Text: text, Format: models.FormatTeX}, nil
}

func (f *Fetcher) fetchPDF(ctx context.Context, paperID string) (*models.Document, error) {
	resp, err := f.get(ctx, f.opts.PDFBaseURL+paperID+".pdf")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	pdfPath := filepath.Join(f.opts.OutputDir, safeID(paperID)+".pdf")
	if err := saveBody(resp.Body, pdfPath); err != nil {
		return nil, err
	}
	return pdfDocument(paperID, pdfPath)
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: http %s", url, resp.Status)
	}
	return resp, nil
}

func pdfDocument(paperID, pdfPath string) (*models.Document, error) {
	text, err := parser.ExtractPDFText(pdfPath)
	if err != nil {
		return nil, err
	}
	return &models.Document{ID: paperID, Text: text, Format: models.FormatPDF}, nil
}

func saveBody(body io.Reader, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(path)
		return err
	}
	return out.Close()
}

// collectTeX concatenates every .tex file under dir in walk order, each with
// its preamble removed.
func collectTeX(dir string) (string, int, error) {
	var contents []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".tex") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		contents = append(contents, parser.StripPreamble(strings.ToValidUTF8(string(data), "")))
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return strings.Join(contents, "\n"), len(contents), nil
}

// safeID maps old-style identifiers such as hep-th/9901001 to a file name.
func safeID(paperID string) string {
	return strings.ReplaceAll(paperID, "/", "_")
}
