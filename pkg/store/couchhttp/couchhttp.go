// Package couchhttp is a Store speaking the CouchDB HTTP API.
package couchhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	"github.com/couchmodel/couchmodel.go/internal/codec"
	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/logger"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

const (
	DefaultPageSize = 200

	reasonNoDatabase = "Database does not exist."
)

type Store struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	username   string
	password   string
	typeKey    string
	pageSize   int
	codec      codec.Codec
	log        logger.Logger
}

type Option func(*Store)

func WithBasicAuth(username, password string) Option {
	return func(s *Store) {
		s.username = username
		s.password = password
	}
}

// WithHTTPClient replaces the default client. WithTimeout does not apply to it.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// WithTimeout bounds every request of the default client. Zero leaves
// requests bounded by their context only.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

func WithTypeKey(key string) Option {
	return func(s *Store) { s.typeKey = key }
}

// WithPageSize sets how many documents one _find request returns.
func WithPageSize(n int) Option {
	return func(s *Store) { s.pageSize = n }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New returns a store for the CouchDB server at rawURL. Credentials embedded
// in the URL are used for basic auth unless WithBasicAuth overrides them.
func New(rawURL string, opts ...Option) (*Store, error) {
	if rawURL == "" {
		return nil, constants.ErrNoBaseURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if u.Scheme != constants.HTTPScheme && u.Scheme != constants.HTTPSecureScheme {
		return nil, fmt.Errorf("store url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	s := &Store{
		timeout:  constants.DefaultStoreTimeout,
		typeKey:  constants.DefaultTypeKey,
		pageSize: DefaultPageSize,
		codec:    codec.JSON(),
		log:      logger.Nop(),
	}
	if u.User != nil {
		s.username = u.User.Username()
		s.password, _ = u.User.Password()
		u.User = nil
	}
	s.baseURL = strings.TrimRight(u.String(), "/")
	for _, o := range opts {
		o(s)
	}
	if s.pageSize < 1 {
		s.pageSize = DefaultPageSize
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: max(s.timeout, 0)}
	}
	return s, nil
}

// docPath escapes id for use in a URL path. Design document ids keep their
// literal "_design/" prefix as CouchDB expects.
func docPath(db, id string) string {
	p := "/" + url.PathEscape(db) + "/"
	if rest, ok := strings.CutPrefix(id, constants.DesignPrefix); ok {
		return p + constants.DesignPrefix + url.PathEscape(rest)
	}
	return p + url.PathEscape(id)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// reason returns CouchDB's "reason" field of an error body.
func (r *response) reason() string {
	s, _ := jsonparser.GetString(r.body, "reason")
	return s
}

func (s *Store) do(ctx context.Context, method, path string, query url.Values, body any) (*response, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ContextErr(method, err)
	}
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := s.codec.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	target := s.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctxErr := store.ContextErr(method+" "+path, ctx.Err()); ctxErr != nil {
			return nil, ctxErr
		}
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return nil, fmt.Errorf("%s %s: %w: %w", method, path, constants.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, constants.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w: %w", method, path, constants.ErrStoreUnavailable, err)
	}
	s.log.Debug("couchdb request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// classify turns a non-success response into a store error.
func classify(op string, r *response) error {
	switch {
	case r.status == http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", op, r.reason(), constants.ErrNotFound)
	case r.status == http.StatusConflict:
		return fmt.Errorf("%s: %s: %w", op, r.reason(), constants.ErrConflict)
	case r.status >= http.StatusInternalServerError:
		return fmt.Errorf("%s: status %d: %w", op, r.status, constants.ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: status %d: %s", op, r.status, r.reason())
}

func (s *Store) Get(ctx context.Context, db, id string) (store.Document, error) {
	op := "get " + db + "/" + id
	r, err := s.do(ctx, http.MethodGet, docPath(db, id), nil, nil)
	if err != nil {
		return nil, err
	}
	if r.status != http.StatusOK {
		return nil, classify(op, r)
	}
	var doc store.Document
	if err := s.codec.Unmarshal(r.body, &doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return doc, nil
}

// Put writes doc. A missing database is created and the write retried once.
func (s *Store) Put(ctx context.Context, db, id string, doc store.Document, rev string) (string, error) {
	body := doc.Clone()
	if body == nil {
		body = store.Document{}
	}
	body[constants.IDField] = id
	delete(body, constants.RevField)
	if rev != "" {
		body[constants.RevField] = rev
	}

	op := "put " + db + "/" + id
	for attempt := 0; ; attempt++ {
		r, err := s.do(ctx, http.MethodPut, docPath(db, id), nil, body)
		if err != nil {
			return "", err
		}
		switch {
		case r.status == http.StatusCreated || r.status == http.StatusAccepted:
			next, err := jsonparser.GetString(r.body, "rev")
			if err != nil {
				return "", fmt.Errorf("%s: response without rev: %w", op, err)
			}
			return next, nil
		case r.status == http.StatusNotFound && r.reason() == reasonNoDatabase && attempt == 0:
			if err := s.createDatabase(ctx, db); err != nil {
				return "", err
			}
		default:
			return "", classify(op, r)
		}
	}
}

func (s *Store) createDatabase(ctx context.Context, db string) error {
	r, err := s.do(ctx, http.MethodPut, "/"+url.PathEscape(db), nil, nil)
	if err != nil {
		return err
	}
	switch r.status {
	case http.StatusCreated, http.StatusAccepted, http.StatusPreconditionFailed:
		s.log.Info("database created", "database", db)
		return nil
	}
	return classify("create "+db, r)
}

// Delete removes the current revision of id.
func (s *Store) Delete(ctx context.Context, db, id string) error {
	op := "delete " + db + "/" + id
	path := docPath(db, id)
	head, err := s.do(ctx, http.MethodHead, path, nil, nil)
	if err != nil {
		return err
	}
	if head.status != http.StatusOK {
		return classify(op, head)
	}
	rev := strings.Trim(head.header.Get("ETag"), `"`)

	r, err := s.do(ctx, http.MethodDelete, path, url.Values{"rev": {rev}}, nil)
	if err != nil {
		return err
	}
	if r.status != http.StatusOK && r.status != http.StatusAccepted {
		return classify(op, r)
	}
	return nil
}

// AllInstances pages through a Mango query on the type field. A missing
// database has no instances.
func (s *Store) AllInstances(ctx context.Context, db, modelType string) iter.Seq2[store.Document, error] {
	return func(yield func(store.Document, error) bool) {
		op := "find " + db + "/" + modelType
		bookmark := ""
		for {
			q := map[string]any{
				"selector": map[string]any{s.typeKey: modelType},
				"limit":    s.pageSize,
			}
			if bookmark != "" {
				q["bookmark"] = bookmark
			}
			r, err := s.do(ctx, http.MethodPost, "/"+url.PathEscape(db)+"/_find", nil, q)
			if err != nil {
				yield(nil, err)
				return
			}
			if r.status == http.StatusNotFound {
				return
			}
			if r.status != http.StatusOK {
				yield(nil, classify(op, r))
				return
			}

			var docs []store.Document
			var decodeErr error
			_, err = jsonparser.ArrayEach(r.body, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
				if decodeErr != nil || dataType != jsonparser.Object {
					return
				}
				var doc store.Document
				if decodeErr = s.codec.Unmarshal(value, &doc); decodeErr == nil {
					docs = append(docs, doc)
				}
			}, "docs")
			if err == nil {
				err = decodeErr
			}
			if err != nil {
				yield(nil, fmt.Errorf("%s: decode: %w", op, err))
				return
			}

			for _, doc := range docs {
				if !yield(doc, nil) {
					return
				}
			}
			next, _ := jsonparser.GetString(r.body, "bookmark")
			if len(docs) < s.pageSize || next == "" || next == bookmark {
				return
			}
			bookmark = next
		}
	}
}

func (s *Store) DestroyDatabase(ctx context.Context, db string) error {
	r, err := s.do(ctx, http.MethodDelete, "/"+url.PathEscape(db), nil, nil)
	if err != nil {
		return err
	}
	if r.status != http.StatusOK && r.status != http.StatusAccepted {
		return classify("destroy "+db, r)
	}
	return nil
}

// WarmView queries view with limit=0, which makes CouchDB build the indexes of
// the whole design document before answering.
func (s *Store) WarmView(ctx context.Context, db, designID, view string) error {
	path := docPath(db, designID) + "/_view/" + url.PathEscape(view)
	r, err := s.do(ctx, http.MethodGet, path, url.Values{"limit": {"0"}}, nil)
	if err != nil {
		return err
	}
	if r.status != http.StatusOK {
		return classify("warm "+db+"/"+designID+"/"+view, r)
	}
	return nil
}
