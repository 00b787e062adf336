// Package documenttool implements read_document, plain-text extraction from
// PDF, DOCX, and XLSX files. Extracted text is budget-windowed the same way
// read_file output is: anything past the response budget continues behind a
// cursor.
package documenttool

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/permission"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

// Deps carries the collaborators the document tool needs.
type Deps struct {
	Gate     *permission.Gate
	Budgeter *tokens.Budgeter
	Cursors  *cursor.Store
}

// Tools builds the document toolset.
func Tools(d Deps) ([]tool.Handler, error) {
	read, err := NewReadDocument(d)
	if err != nil {
		return nil, err
	}
	return []tool.Handler{read}, nil
}

// ReadDocumentArgs are the arguments for read_document.
type ReadDocumentArgs struct {
	Path      string `json:"path" jsonschema:"required,description=Path of the document to read (.pdf or .docx or .xlsx)."`
	Sheet     string `json:"sheet,omitempty" jsonschema:"description=Name of the single sheet to extract. Applies to .xlsx files only; every sheet is extracted when omitted."`
	PageRange string `json:"page_range,omitempty" jsonschema:"description=Pages to extract as N or N-M (1-indexed inclusive). Applies to .pdf files only; every page is extracted when omitted."`
}

var pageRangePattern = regexp.MustCompile(`^\d+(-\d+)?$`)

// NewReadDocument builds the read_document tool.
func NewReadDocument(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "read_document",
			Description: "Extract plain text from a PDF, Word (.docx), or Excel (.xlsx) document. Spreadsheets come back as tab-separated rows. Output beyond the response budget is truncated and continues behind a cursor.",
			Category:    tool.CategoryDocument,
		},
		func(ctx context.Context, inv *tool.Invocation, args ReadDocumentArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				return tool.ContinueBlob(d.Budgeter, d.Cursors, inv)
			}

			canon, err := d.Gate.AuthorizeRead(args.Path)
			if err != nil {
				return nil, err
			}

			info, err := os.Stat(canon)
			if err != nil {
				return nil, pathFailure(canon, err)
			}
			if info.IsDir() {
				return nil, protocol.Failf(protocol.KindInvalidArguments, "%s is a directory", canon)
			}

			ext := strings.ToLower(filepath.Ext(canon))
			if args.Sheet != "" && ext != ".xlsx" {
				return nil, protocol.Failf(protocol.KindInvalidArguments, "sheet applies to .xlsx files only")
			}
			if args.PageRange != "" && ext != ".pdf" {
				return nil, protocol.Failf(protocol.KindInvalidArguments, "page_range applies to .pdf files only")
			}

			var text string
			switch ext {
			case ".pdf":
				text, err = extractPDF(ctx, canon, info.Size(), args.PageRange)
			case ".docx":
				text, err = extractDocx(canon)
			case ".xlsx":
				text, err = extractXlsx(ctx, canon, args.Sheet)
			default:
				return nil, protocol.Failf(protocol.KindInvalidArguments,
					"unsupported document type %s (supported: .pdf, .docx, .xlsx)", filepath.Ext(canon))
			}
			if err != nil {
				return nil, err
			}
			return tool.BlobResult(d.Budgeter, d.Cursors, inv, text), nil
		},
		func(args ReadDocumentArgs) error {
			if strings.TrimSpace(args.Path) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "path must not be empty")
			}
			if args.PageRange != "" && !pageRangePattern.MatchString(args.PageRange) {
				return protocol.Failf(protocol.KindInvalidArguments,
					"page_range %s is not a page number or N-M span", args.PageRange)
			}
			return nil
		},
	)
}

func pathFailure(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return protocol.Failf(protocol.KindNotFound, "%s does not exist", path)
	case errors.Is(err, fs.ErrPermission):
		return protocol.Failf(protocol.KindPermissionDenied, "%s: permission denied by the host", path)
	default:
		return protocol.Failf(protocol.KindExecutionFailed, "%s: %v", path, err)
	}
}

// extractPDF renders the selected pages as text with per-page markers. A
// page whose extraction fails becomes an inline marker rather than failing
// the whole document.
func extractPDF(ctx context.Context, path string, size int64, pageRange string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pathFailure(path, err)
	}
	defer f.Close()

	r, err := pdf.NewReader(f, size)
	if err != nil {
		return "", protocol.Failf(protocol.KindExecutionFailed, "failed to parse %s as PDF: %v", path, err)
	}

	first, last := 1, r.NumPage()
	if pageRange != "" {
		first, last, err = parsePageRange(pageRange, r.NumPage())
		if err != nil {
			return "", err
		}
	}

	var parts []string
	for n := first; n <= last; n++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		page := r.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", n, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", n, text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func parsePageRange(s string, total int) (int, int, error) {
	lo, hi, spanned := strings.Cut(s, "-")
	first, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, protocol.Failf(protocol.KindInvalidArguments,
			"page_range %s is not a page number or N-M span", s)
	}
	last := first
	if spanned {
		last, err = strconv.Atoi(hi)
		if err != nil {
			return 0, 0, protocol.Failf(protocol.KindInvalidArguments,
				"page_range %s is not a page number or N-M span", s)
		}
	}
	if first < 1 || last > total || first > last {
		return 0, 0, protocol.Failf(protocol.KindInvalidArguments,
			"page_range %s is out of bounds for a %d-page document", s, total)
	}
	return first, last, nil
}

var docxTag = regexp.MustCompile(`<[^>]*>`)

// extractDocx flattens WordprocessingML to text: paragraphs and breaks
// become newlines, tabs stay tabs, remaining markup is dropped.
func extractDocx(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", protocol.Failf(protocol.KindExecutionFailed, "failed to parse %s as DOCX: %v", path, err)
	}
	defer doc.Close()

	raw := doc.Editable().GetContent()
	raw = strings.ReplaceAll(raw, "</w:p>", "\n")
	raw = strings.ReplaceAll(raw, "<w:br/>", "\n")
	raw = strings.ReplaceAll(raw, "<w:tab/>", "\t")
	text := docxTag.ReplaceAllString(raw, "")
	return strings.TrimRight(html.UnescapeString(text), "\n") + "\n", nil
}

// extractXlsx renders sheets as tab-separated rows with per-sheet markers.
func extractXlsx(ctx context.Context, path, sheet string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", protocol.Failf(protocol.KindExecutionFailed, "failed to parse %s as XLSX: %v", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if sheet != "" {
		found := false
		for _, name := range sheets {
			if name == sheet {
				found = true
				break
			}
		}
		if !found {
			return "", protocol.Failf(protocol.KindNotFound,
				"%s has no sheet named %s (sheets: %s)", path, sheet, strings.Join(sheets, ", "))
		}
		sheets = []string{sheet}
	}

	var parts []string
	for _, name := range sheets {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		rows, err := f.GetRows(name)
		if err != nil {
			return "", protocol.Failf(protocol.KindExecutionFailed, "failed to read sheet %s: %v", name, err)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "--- Sheet: %s ---", name)
		for _, row := range rows {
			b.WriteByte('\n')
			b.WriteString(strings.Join(row, "\t"))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n"), nil
}
