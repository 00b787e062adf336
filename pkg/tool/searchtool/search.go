// Package searchtool implements the regex content search tool.
//
// A search walks the authorized tree once, materializes every hit as a
// snapshot, and serves the snapshot in budget-sized pages behind a
// batched_search cursor. Following the cursor never re-reads the
// filesystem, so pages have no duplicates or gaps even while files change.
package searchtool

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/permission"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

// Deps are the server capabilities the search tool needs.
type Deps struct {
	Gate     *permission.Gate
	Budgeter *tokens.Budgeter
	Cursors  *cursor.Store
}

// SearchArgs defines the parameters for a content search.
type SearchArgs struct {
	Pattern    string   `json:"pattern" jsonschema:"required,description=Go regular expression to match against file content"`
	Path       string   `json:"path" jsonschema:"required,description=File or directory to search"`
	Include    []string `json:"include,omitempty" jsonschema:"description=Globs a file must match (base name or relative path)"`
	Exclude    []string `json:"exclude,omitempty" jsonschema:"description=Globs that exclude a file or subtree"`
	MaxResults int      `json:"max_results,omitempty" jsonschema:"description=Stop after this many hits (0 means unlimited),minimum=0"`
}

// Hit is one matching line.
type Hit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Preview string `json:"preview"`
}

// FileError records a file the search could not read. Embedded in the
// result rather than failing the search.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// searchPayload carries the unserved snapshot remainder behind a cursor.
type searchPayload struct {
	hits  []Hit
	total int
}

// Files larger than this are reported, not scanned.
const maxScanFileSize = 10 << 20

// previewLimit bounds one preview line in bytes.
const previewLimit = 200

// New creates the search tool.
func New(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "search",
			Description: "Search file contents with a regular expression. Hits report path, line number, and a preview; large hit sets paginate behind a cursor.",
			Category:    tool.CategorySearch,
		},
		func(ctx context.Context, inv *tool.Invocation, args SearchArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				p, ok := inv.Cursor.Payload.(searchPayload)
				if !ok {
					return nil, protocol.Failf(protocol.KindInvalidArguments,
						"cursor does not continue a search result")
				}
				return searchPage(d, inv, p.hits, nil, p.total, inv.Cursor.Offset)
			}

			re, err := regexp.Compile(args.Pattern)
			if err != nil {
				return nil, protocol.Failf(protocol.KindInvalidArguments, "invalid pattern: %v", err)
			}

			canon, err := d.Gate.AuthorizeRead(args.Path)
			if err != nil {
				return nil, err
			}

			hits, fileErrs, err := collectHits(ctx, canon, re, args)
			if err != nil {
				return nil, err
			}
			return searchPage(d, inv, hits, fileErrs, len(hits), 0)
		},
		func(args SearchArgs) error {
			if args.Pattern == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "pattern must not be empty")
			}
			if strings.TrimSpace(args.Path) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "path must not be empty")
			}
			for _, g := range append(append([]string{}, args.Include...), args.Exclude...) {
				if _, err := path.Match(g, "probe"); err != nil {
					return protocol.Failf(protocol.KindInvalidArguments, "invalid glob %q", g)
				}
			}
			return nil
		},
	)
}

// collectHits walks root and scans every selected file. Unreadable entries
// become FileErrors; binaries and oversized files are recorded, not fatal.
func collectHits(ctx context.Context, root string, re *regexp.Regexp, args SearchArgs) ([]Hit, []FileError, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, protocol.Failf(protocol.KindNotFound, "%s does not exist", root)
	}

	var (
		hits     []Hit
		fileErrs []FileError
	)
	limit := args.MaxResults

	scan := func(full, rel string) {
		fileHits, ferr := scanFile(full, rel, re, limit, len(hits))
		if ferr != nil {
			fileErrs = append(fileErrs, *ferr)
			return
		}
		hits = append(hits, fileHits...)
	}

	if !info.IsDir() {
		scan(root, filepath.Base(root))
		return hits, fileErrs, nil
	}

	walkErr := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if limit > 0 && len(hits) >= limit {
			return fs.SkipAll
		}

		rel, rerr := filepath.Rel(root, full)
		if rerr != nil || rel == "." {
			rel = ""
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			fileErrs = append(fileErrs, FileError{Path: rel, Error: err.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if rel != "" && matchesAny(args.Exclude, rel, d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if matchesAny(args.Exclude, rel, d.Name()) {
			return nil
		}
		if len(args.Include) > 0 && !matchesAny(args.Include, rel, d.Name()) {
			return nil
		}

		scan(full, rel)
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, protocol.Failf(protocol.KindExecutionFailed, "search walk: %v", walkErr)
	}

	return hits, fileErrs, nil
}

// scanFile returns the hits in one file, honoring the global limit.
func scanFile(full, rel string, re *regexp.Regexp, limit, have int) ([]Hit, *FileError) {
	info, err := os.Stat(full)
	if err != nil {
		return nil, &FileError{Path: rel, Error: err.Error()}
	}
	if info.Size() > maxScanFileSize {
		return nil, &FileError{Path: rel, Error: "file exceeds search size limit"}
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, &FileError{Path: rel, Error: err.Error()}
	}
	if isBinary(data) {
		return nil, nil
	}

	var hits []Hit
	lineNo := 0
	for len(data) > 0 {
		lineNo++
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}
		if !re.Match(line) {
			continue
		}
		hits = append(hits, Hit{Path: rel, Line: lineNo, Preview: preview(line)})
		if limit > 0 && have+len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

func preview(line []byte) string {
	s := string(line)
	if len(s) > previewLimit {
		s = strings.ToValidUTF8(s[:previewLimit], "")
	}
	return s
}

// isBinary reports whether data starts like a binary file.
func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

// matchesAny applies each glob to the relative path and the base name.
func matchesAny(globs []string, rel, base string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, base); ok {
			return true
		}
		if ok, _ := path.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// searchPage serves the largest hit prefix that fits the working budget.
// File errors ride on the first page only. A page always advances by at
// least one hit.
func searchPage(d Deps, inv *tool.Invocation, hits []Hit, fileErrs []FileError, total int, served int64) (*tool.Result, error) {
	rendered := make([]string, len(hits))
	for i, h := range hits {
		raw, err := json.Marshal(h)
		if err != nil {
			return nil, protocol.Failf(protocol.KindInternal, "encode hit: %v", err)
		}
		rendered[i] = string(raw)
	}

	n, _ := d.Budgeter.ListPrefix(rendered)
	if n == 0 && len(hits) > 0 {
		n = 1
	}

	kept := hits[:n]
	if kept == nil {
		kept = []Hit{}
	}
	page := map[string]interface{}{
		"hits":   kept,
		"offset": served,
		"total":  total,
	}
	if len(fileErrs) > 0 {
		page["errors"] = fileErrs
	}
	res, err := tool.JSONResult(page)
	if err != nil {
		return nil, err
	}

	if n < len(hits) {
		res.NextCursor = d.Cursors.Mint(cursor.State{
			Kind:     cursor.KindBatchedSearch,
			Offset:   served + int64(n),
			Checksum: inv.ArgsDigest,
			Payload:  searchPayload{hits: hits[n:], total: total},
		})
	}
	return res, nil
}
