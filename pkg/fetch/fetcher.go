// Package fetch walks the paginated reporting API and returns the raw check
// records of every page.
package fetch

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/kubeflow/checksync/pkg/syncerr"
)

// RawRecord is one record exactly as the API returned it (a JSON value).
type RawRecord []byte

// Page is one response of the paginated API.
type Page struct {
	Index   int
	Records []RawRecord
	// TotalPages is the declared page count, or -1 if the response did not
	// carry one.
	TotalPages int
}

// Options configures a Fetcher.
type Options struct {
	Endpoint string
	PageSize int
	// ContentKey is the gjson path of the record list, e.g. "content".
	ContentKey string
	// TotalPagesKey is the gjson path of the declared page count. Optional.
	TotalPagesKey string
	// MaxPages stops the walk after this many pages. 0 means no limit.
	MaxPages    int
	Credentials Credentials
}

// Fetcher requests pages in increasing order starting at page 0.
type Fetcher struct {
	client Client
	opts   Options
	logger *slog.Logger
}

// New creates a Fetcher. It returns an AuthenticationMissing error when no
// credentials are configured, before any request is made.
func New(client Client, opts Options, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !opts.Credentials.Present() {
		return nil, syncerr.Errorf(syncerr.KindAuthenticationMissing, "configure fetcher",
			"api credentials are not set (need key id and secret, or a token)")
	}
	if opts.Endpoint == "" {
		return nil, syncerr.Errorf(syncerr.KindConfigInvalid, "configure fetcher", "api endpoint is empty")
	}
	if opts.PageSize <= 0 {
		return nil, syncerr.Errorf(syncerr.KindConfigInvalid, "configure fetcher", "page size must be positive, got %d", opts.PageSize)
	}
	if opts.ContentKey == "" {
		opts.ContentKey = "content"
	}
	if _, err := url.Parse(opts.Endpoint); err != nil {
		return nil, syncerr.New(syncerr.KindConfigInvalid, "configure fetcher", fmt.Errorf("invalid endpoint: %w", err))
	}
	return &Fetcher{client: client, opts: opts, logger: logger}, nil
}

// Pages returns the sequence of pages. Iteration stops after the last
// declared page, after the first empty page, or at the first error, which
// is yielded with a nil page. Reaching MaxPages before the walk is finished
// is an UnexpectedShape error. Each call starts over at page 0.
func (f *Fetcher) Pages(ctx context.Context) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		for index := 0; ; index++ {
			page, err := f.fetchPage(ctx, index)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) {
				return
			}

			if len(page.Records) == 0 {
				return
			}
			if page.TotalPages >= 0 && index+1 >= page.TotalPages {
				return
			}
			if f.opts.MaxPages > 0 && index+1 >= f.opts.MaxPages {
				yield(nil, syncerr.Errorf(syncerr.KindUnexpectedShape, "fetch pages",
					"more than %d pages available (declared total %d)", f.opts.MaxPages, page.TotalPages))
				return
			}
		}
	}
}

// FetchAll accumulates the records of every page. If any page fails the
// records collected so far are discarded and the error is returned.
func (f *Fetcher) FetchAll(ctx context.Context) ([]RawRecord, error) {
	var (
		records []RawRecord
		pages   int
	)
	for page, err := range f.Pages(ctx) {
		if err != nil {
			f.logger.Error("fetch aborted", "page", pages, "discarded", len(records), "error", err)
			return nil, err
		}
		records = append(records, page.Records...)
		pages++
	}

	f.logger.Info("fetched check records", "pages", pages, "records", len(records))
	return records, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, index int) (*Page, error) {
	op := fmt.Sprintf("fetch page %d", index)

	pageURL, err := f.pageURL(index)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfigInvalid, op, err)
	}

	body, err := f.client.Get(ctx, pageURL, f.opts.Credentials.header())
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransportFailure, op, err)
	}

	page, err := f.parsePage(index, body)
	if err != nil {
		return nil, syncerr.New(syncerr.KindUnexpectedShape, op, err)
	}

	f.logger.Debug("fetched page", "page", index, "records", len(page.Records), "totalPages", page.TotalPages)
	return page, nil
}

func (f *Fetcher) pageURL(index int) (string, error) {
	u, err := url.Parse(f.opts.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(index))
	q.Set("size", strconv.Itoa(f.opts.PageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) parsePage(index int, body []byte) (*Page, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}

	content := gjson.GetBytes(body, f.opts.ContentKey)
	if !content.Exists() {
		return nil, fmt.Errorf("response has no %q key", f.opts.ContentKey)
	}
	if !content.IsArray() {
		return nil, fmt.Errorf("response key %q is not a list", f.opts.ContentKey)
	}

	page := &Page{Index: index, TotalPages: -1}
	content.ForEach(func(_, value gjson.Result) bool {
		page.Records = append(page.Records, RawRecord(value.Raw))
		return true
	})

	if f.opts.TotalPagesKey != "" {
		total := gjson.GetBytes(body, f.opts.TotalPagesKey)
		if total.Exists() {
			if total.Type != gjson.Number {
				return nil, fmt.Errorf("response key %q is not a number", f.opts.TotalPagesKey)
			}
			page.TotalPages = int(total.Int())
		}
	}

	return page, nil
}
