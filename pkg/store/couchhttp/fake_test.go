package couchhttp_test

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/store/memstore"
)

// fakeCouch serves the subset of the CouchDB API the store uses, keeping
// documents in a memstore.
type fakeCouch struct {
	mem *memstore.Store

	mu       sync.Mutex
	dbs      map[string]bool
	warmed   []string
	finds    int
	user     string
	password string
	failWith int
	delay    time.Duration
}

func newFakeCouch() *fakeCouch {
	return &fakeCouch{mem: memstore.New(), dbs: make(map[string]bool)}
}

func (f *fakeCouch) serve() *httptest.Server {
	return httptest.NewServer(f.router())
}

func (f *fakeCouch) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(f.middleware)
	r.HandleFunc("/{db}", f.createDB).Methods(http.MethodPut)
	r.HandleFunc("/{db}", f.deleteDB).Methods(http.MethodDelete)
	r.HandleFunc("/{db}/_find", f.find).Methods(http.MethodPost)
	r.HandleFunc("/{db}/_design/{name}/_view/{view}", f.view).Methods(http.MethodGet)
	r.HandleFunc("/{db}/_design/{name}", f.doc).Methods(http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete)
	r.HandleFunc("/{db}/{id}", f.doc).Methods(http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete)
	return r
}

func (f *fakeCouch) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		failWith, delay, user, password := f.failWith, f.delay, f.user, f.password
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if failWith != 0 {
			reply(w, failWith, map[string]any{"error": "unavailable", "reason": "injected"})
			return
		}
		if user != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != user || p != password {
				reply(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "reason": "Name or password is incorrect."})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeCouch) exists(db string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dbs[db]
}

func noDatabase(w http.ResponseWriter) {
	reply(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "Database does not exist."})
}

func (f *fakeCouch) createDB(w http.ResponseWriter, r *http.Request) {
	db := mux.Vars(r)["db"]
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dbs[db] {
		reply(w, http.StatusPreconditionFailed, map[string]any{"error": "file_exists"})
		return
	}
	f.dbs[db] = true
	reply(w, http.StatusCreated, map[string]any{"ok": true})
}

func (f *fakeCouch) deleteDB(w http.ResponseWriter, r *http.Request) {
	db := mux.Vars(r)["db"]
	if !f.exists(db) {
		noDatabase(w)
		return
	}
	_ = f.mem.DestroyDatabase(r.Context(), db)
	f.mu.Lock()
	delete(f.dbs, db)
	f.mu.Unlock()
	reply(w, http.StatusOK, map[string]any{"ok": true})
}

func (f *fakeCouch) doc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	db, id := vars["db"], vars["id"]
	if name, ok := vars["name"]; ok {
		id = constants.DesignPrefix + name
	}
	if !f.exists(db) {
		noDatabase(w)
		return
	}
	ctx := r.Context()
	missing := map[string]any{"error": "not_found", "reason": "missing"}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		doc, err := f.mem.Get(ctx, db, id)
		if err != nil {
			reply(w, http.StatusNotFound, missing)
			return
		}
		w.Header().Set("ETag", strconv.Quote(doc.Rev()))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		reply(w, http.StatusOK, doc)

	case http.MethodPut:
		var doc store.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			reply(w, http.StatusBadRequest, map[string]any{"error": "bad_request", "reason": err.Error()})
			return
		}
		rev, _ := doc[constants.RevField].(string)
		delete(doc, constants.RevField)
		next, err := f.mem.Put(ctx, db, id, doc, rev)
		if err != nil {
			reply(w, http.StatusConflict, map[string]any{"error": "conflict", "reason": "Document update conflict."})
			return
		}
		reply(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": next})

	case http.MethodDelete:
		doc, err := f.mem.Get(ctx, db, id)
		if err != nil {
			reply(w, http.StatusNotFound, missing)
			return
		}
		if doc.Rev() != r.URL.Query().Get("rev") {
			reply(w, http.StatusConflict, map[string]any{"error": "conflict", "reason": "Document update conflict."})
			return
		}
		_ = f.mem.Delete(ctx, db, id)
		reply(w, http.StatusOK, map[string]any{"ok": true, "id": id})
	}
}

func (f *fakeCouch) find(w http.ResponseWriter, r *http.Request) {
	db := mux.Vars(r)["db"]
	if !f.exists(db) {
		noDatabase(w)
		return
	}
	f.mu.Lock()
	f.finds++
	f.mu.Unlock()

	var q struct {
		Selector map[string]string `json:"selector"`
		Limit    int               `json:"limit"`
		Bookmark string            `json:"bookmark"`
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		reply(w, http.StatusBadRequest, map[string]any{"error": "bad_request", "reason": err.Error()})
		return
	}
	modelType := q.Selector[constants.DefaultTypeKey]

	var docs []store.Document
	for doc, err := range f.mem.AllInstances(r.Context(), db, modelType) {
		if err != nil {
			reply(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
			return
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })

	offset, _ := strconv.Atoi(q.Bookmark)
	end := min(offset+q.Limit, len(docs))
	page := []store.Document{}
	if offset < end {
		page = docs[offset:end]
	}
	reply(w, http.StatusOK, map[string]any{"docs": page, "bookmark": strconv.Itoa(end)})
}

func (f *fakeCouch) view(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	db, id := vars["db"], constants.DesignPrefix+vars["name"]
	if !f.exists(db) {
		noDatabase(w)
		return
	}
	doc, err := f.mem.Get(r.Context(), db, id)
	if err != nil {
		reply(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "missing"})
		return
	}
	if _, _, _, err := jsonparser.Get(mustJSON(doc), "views", vars["view"]); err != nil {
		reply(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "missing_named_view"})
		return
	}
	f.mu.Lock()
	f.warmed = append(f.warmed, db+"/"+id+"/"+vars["view"])
	f.mu.Unlock()
	reply(w, http.StatusOK, map[string]any{"total_rows": 0, "offset": 0, "rows": []any{}})
}

func (f *fakeCouch) set(fn func(*fakeCouch)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
