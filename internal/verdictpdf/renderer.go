package verdictpdf

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nsljw/Judge-final/internal/casefile"
)

// ChromiumRenderer renders the ruling markdown to PDF through headless
// Chromium. Each render spins up its own browser context; rendering happens
// once per case at closing, so cold-start cost is acceptable.
type ChromiumRenderer struct {
	chromePath string
	now        func() time.Time
}

func NewChromiumRenderer() *ChromiumRenderer {
	return &ChromiumRenderer{
		chromePath: detectChromePath(),
		now:        time.Now,
	}
}

func (r *ChromiumRenderer) Render(ctx context.Context, c casefile.Case, decision casefile.Decision,
	participants []casefile.Participant, evidence []casefile.EvidenceItem) ([]byte, error) {
	markdown := BuildMarkdown(c, decision, participants, evidence, r.now())
	htmlDoc, err := buildHTML(c.CaseNumber, markdown)
	if err != nil {
		return nil, err
	}
	return r.printPDF(ctx, htmlDoc)
}

func (r *ChromiumRenderer) printPDF(ctx context.Context, htmlDoc string) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;">` +
				`Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				WithMarginLeft(0.45).
				WithMarginRight(0.45).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return pdf, nil
}

// buildHTML wraps the converted markdown in a self-contained document; all
// styling is inline so rendering needs no asset directory.
func buildHTML(caseNumber, markdown string) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>Ruling " + caseNumber + "</title>" +
		"<style>" + rulingCSS + "</style></head><body>" +
		"<div class='ruling'>" + content.String() + "</div>" +
		"</body></html>", nil
}

const rulingCSS = `
html,body,*{-webkit-print-color-adjust:exact !important;print-color-adjust:exact !important;}
body{background:#fff;margin:0;padding:0.6rem;font-family:Georgia,'Times New Roman',serif;color:#1c1917;font-size:11pt;line-height:1.55;}
.ruling{max-width:760px;margin:0 auto;border-left:3px solid #92400e;border-right:3px solid #92400e;padding:0 1.1rem;}
h1{font-size:1.5rem;text-align:center;border-bottom:2px solid #92400e;padding-bottom:0.5rem;}
h2{font-size:1.05rem;margin-top:1.4rem;text-transform:uppercase;letter-spacing:0.04em;color:#78350f;}
blockquote{margin:0;padding:0.4rem 0.8rem;background:#fef3c7;border-left:3px solid #fcd34d;color:#78350f;}
table{width:100%;border-collapse:collapse;font-size:0.85rem;}
th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;font-weight:700;}
hr{border:0;border-top:1px solid #a8a29e;margin:1.4rem 0;}
@media print{ @page{size:auto;margin:12mm;} body{padding:0;} }
`

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
