// Package canon computes order-independent digests of design document content.
//
// Content is flattened into one token per leaf of the form path=value, where
// path is the dotted chain of mapping keys leading to the leaf and value is a
// typed scalar (quoted string, number, bool or null). An array contributes
// one path[]=element token per element, the element being the quoted, sorted
// token list of that element relative to the array. The token list is sorted
// before hashing, so neither map key order nor array element order affects the
// result, while every value stays bound to the key it sits under. Identity
// fields (_id, _rev and the stored digest) are dropped before flattening.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
)

// Digest is the lowercase hex SHA-256 of the canonical token list.
type Digest string

var identityFields = map[string]struct{}{
	constants.IDField:     {},
	constants.RevField:    {},
	constants.DigestField: {},
}

// elementSep joins the tokens of one array element. It never survives
// strconv.Quote unescaped.
const elementSep = "\x1e"

var keyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`=`, `\=`,
	`[`, `\[`,
	"\x00", `\0`,
)

// Sum returns the digest of content. Top-level identity fields are ignored.
func Sum(content map[string]any) Digest {
	h := sha256.New()
	for _, t := range Tokens(content) {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

// Tokens returns the sorted canonical token list of content.
func Tokens(content map[string]any) []string {
	tokens := make([]string, 0, len(content)*4)
	for k, v := range content {
		if _, skip := identityFields[k]; skip {
			continue
		}
		tokens = flatten(tokens, keyEscaper.Replace(k), v)
	}
	sort.Strings(tokens)
	return tokens
}

func child(path, key string) string {
	if path == "" {
		return keyEscaper.Replace(key)
	}
	return path + "." + keyEscaper.Replace(key)
}

func leaf(tokens []string, path, value string) []string {
	return append(tokens, path+"="+value)
}

func flatten(tokens []string, path string, v any) []string {
	switch x := v.(type) {
	case nil:
		return leaf(tokens, path, "null")
	case string:
		return leaf(tokens, path, strconv.Quote(x))
	case bool:
		return leaf(tokens, path, strconv.FormatBool(x))
	case map[string]any:
		if len(x) == 0 {
			return leaf(tokens, path, "{}")
		}
		for k, vv := range x {
			tokens = flatten(tokens, child(path, k), vv)
		}
		return tokens
	case []any:
		return flattenArray(tokens, path, len(x), func(i int) any { return x[i] })
	case []string:
		return flattenArray(tokens, path, len(x), func(i int) any { return x[i] })
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return leaf(tokens, path, formatFloat(f))
		}
		return leaf(tokens, path, x.String())
	case fmt.Stringer:
		return leaf(tokens, path, strconv.Quote(x.String()))
	}
	return flattenReflect(tokens, path, reflect.ValueOf(v))
}

// flattenArray emits one token per element. Each element is flattened on its
// own with an empty path, so its tokens only depend on its own content.
func flattenArray(tokens []string, path string, n int, at func(int) any) []string {
	if n == 0 {
		return leaf(tokens, path, "[]")
	}
	for i := range n {
		sub := flatten(nil, "", at(i))
		sort.Strings(sub)
		tokens = leaf(tokens, path+"[]", strconv.Quote(strings.Join(sub, elementSep)))
	}
	return tokens
}

func flattenReflect(tokens []string, path string, rv reflect.Value) []string {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return leaf(tokens, path, "null")
		}
		return flatten(tokens, path, rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return leaf(tokens, path, strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return leaf(tokens, path, strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		return leaf(tokens, path, formatFloat(rv.Float()))
	case reflect.String:
		return leaf(tokens, path, strconv.Quote(rv.String()))
	case reflect.Bool:
		return leaf(tokens, path, strconv.FormatBool(rv.Bool()))
	case reflect.Map:
		if rv.Len() == 0 {
			return leaf(tokens, path, "{}")
		}
		iter := rv.MapRange()
		for iter.Next() {
			tokens = flatten(tokens, child(path, fmt.Sprint(iter.Key().Interface())), iter.Value().Interface())
		}
		return tokens
	case reflect.Slice, reflect.Array:
		return flattenArray(tokens, path, rv.Len(), func(i int) any { return rv.Index(i).Interface() })
	case reflect.Invalid:
		return leaf(tokens, path, "null")
	}
	return leaf(tokens, path, strconv.Quote(fmt.Sprint(rv.Interface())))
}

// formatFloat prints integral floats without a fraction so that 1, 1.0 and
// uint64(1) from different decoders produce the same token.
func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
