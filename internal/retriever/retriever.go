// Package retriever implements C5 of the diamond search core: the HTTP
// client the object disk (C6) uses to fetch scope lists and object bytes
// from the data retriever, grounded on
// _examples/original_source/src/lib/libodisk/dataretriever.c (libsoup)
// reexpressed with net/http + hashicorp/go-retryablehttp (spec.md §4.3).
package retriever

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AttrPrefix is the HTTP response header prefix the retriever uses to
// carry an object's initial attributes (dataretriever.c's get_attribute).
const AttrPrefix = "x-attr-"

// ObjectURIAttr and ObjectDataAttr are the synthesized system attributes
// every fetched object receives: its own URI, and its raw body bytes.
const (
	ObjectURIAttr  = "_ObjectURI"
	ObjectDataAttr = "_ObjectData"
)

// Client wraps base_uri + tuned HTTP sessions for the scope-list fetch (one
// connection) and object fetches (up to ~64 concurrent, rate-limited
// here; objectdisk additionally bounds concurrency with a semaphore).
type Client struct {
	baseURI      string
	scopeHTTP    *http.Client
	objectHTTP   *http.Client
	objectLimiter *rate.Limiter
	log          *zap.SugaredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithObjectFetchRate caps the steady-state rate of object GETs, in
// requests per second, independent of the concurrency bound objectdisk
// applies (spec.md §4.3: "up to ~64 for object fetches").
func WithObjectFetchRate(rps float64) Option {
	return func(c *Client) {
		c.objectLimiter = rate.NewLimiter(rate.Limit(rps), int(rps))
	}
}

// New builds a Client against baseURI (spec.md's dataretriever_init).
func New(baseURI string, log *zap.SugaredLogger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	scopeRetry := retryablehttp.NewClient()
	scopeRetry.Logger = nil
	scopeRetry.RetryMax = 5
	scopeRetry.RetryWaitMin = 50 * time.Millisecond
	scopeRetry.RetryWaitMax = 2 * time.Second

	objectRetry := retryablehttp.NewClient()
	objectRetry.Logger = nil
	objectRetry.RetryMax = 3
	objectRetry.RetryWaitMin = 20 * time.Millisecond
	objectRetry.RetryWaitMax = 1 * time.Second

	c := &Client{
		baseURI:    strings.TrimSuffix(baseURI, "/"),
		scopeHTTP:  scopeRetry.StandardClient(),
		objectHTTP: objectRetry.StandardClient(),
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ScopeEventKind distinguishes the two XML element kinds the scope-list
// streams (spec.md §4.3).
type ScopeEventKind int

const (
	ScopeObject ScopeEventKind = iota
	ScopeCountAdjust
)

// ScopeEvent is one token from a streamed <objectlist>.
type ScopeEvent struct {
	Kind   ScopeEventKind
	URI    string
	Adjust int64
}

// StreamScopeList issues GET <base>/<gid> and streams the response's
// <objectlist count="N">…<object src="…"/>…<count adjust="±K"/>…
// </objectlist> body, invoking emit for each <object> or <count> element
// in document order (spec.md §4.3). It returns when the body is
// exhausted, ctx is canceled, or emit returns an error.
func (c *Client) StreamScopeList(ctx context.Context, gid uint64, emit func(ScopeEvent) error) error {
	uri := fmt.Sprintf("%s/%016x", c.baseURI, gid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("retriever: build scope-list request: %w", err)
	}

	resp, err := c.scopeHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("retriever: scope-list fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("retriever: scope-list %s: status %d", uri, resp.StatusCode)
	}

	dec := xml.NewDecoder(resp.Body)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("retriever: scope-list %s: parse: %w", uri, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "object":
			src := attrValue(start, "src")
			if src == "" {
				continue
			}
			if err := emit(ScopeEvent{Kind: ScopeObject, URI: resolveURI(uri, src)}); err != nil {
				return err
			}
		case "count":
			adj := attrValue(start, "adjust")
			if adj == "" {
				continue
			}
			n, perr := strconv.ParseInt(adj, 10, 64)
			if perr != nil {
				continue
			}
			if err := emit(ScopeEvent{Kind: ScopeCountAdjust, Adjust: n}); err != nil {
				return err
			}
		case "objectlist":
			if count := attrValue(start, "count"); count != "" {
				n, perr := strconv.ParseInt(count, 10, 64)
				if perr == nil {
					if err := emit(ScopeEvent{Kind: ScopeCountAdjust, Adjust: n}); err != nil {
						return err
					}
				}
			}
		}
	}
}

func attrValue(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func resolveURI(base, src string) string {
	if strings.Contains(src, "://") {
		return src
	}
	idx := strings.LastIndex(base, "/")
	if idx < 0 {
		return src
	}
	return base[:idx+1] + src
}

// FetchedObject is the result of GET <uri>: its response headers
// translated to attribute (name, value) pairs plus the raw body.
type FetchedObject struct {
	URI   string
	Attrs map[string][]byte
}

// FetchObject issues GET uri (a relative uri is resolved against the base
// URI), extracts every x-attr-* response header as an attribute, and
// synthesizes _ObjectData from the body; _ObjectURI is added by the caller
// (spec.md §4.3, dataretriever_fetch_object).
func (c *Client) FetchObject(ctx context.Context, uri string) (*FetchedObject, error) {
	if c.objectLimiter != nil {
		if err := c.objectLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("retriever: rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolveURI(c.baseURI+"/", uri), nil)
	if err != nil {
		return nil, fmt.Errorf("retriever: build object request: %w", err)
	}

	resp, err := c.objectHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retriever: object fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retriever: object fetch %s: status %d", uri, resp.StatusCode)
	}

	attrs := make(map[string][]byte)
	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, AttrPrefix) || len(values) == 0 {
			continue
		}
		attrs[name[len(AttrPrefix):]] = []byte(values[0])
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("retriever: read object body %s: %w", uri, err)
	}
	attrs[ObjectDataAttr] = body

	return &FetchedObject{URI: uri, Attrs: attrs}, nil
}
