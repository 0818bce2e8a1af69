package cache

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Coalescer collapses concurrent identical calls into one and keeps the
// result for the cache's TTL
type Coalescer[T any] struct {
	cache *Cache
	group singleflight.Group
	keep  func(T) bool
}

// NewCoalescer stores results in c. keep decides whether a successful
// result may be reused; nil keeps all of them.
func NewCoalescer[T any](c *Cache, keep func(T) bool) *Coalescer[T] {
	return &Coalescer[T]{cache: c, keep: keep}
}

// Do returns the cached value for key, or runs fn once for every caller
// that arrives while it is in flight. shared is false only for the caller
// whose fn ran.
func (co *Coalescer[T]) Do(key string, fn func() (T, error)) (value T, shared bool, err error) {
	if v, ok := co.cache.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, true, nil
		}
	}

	ran := false
	v, err, _ := co.group.Do(key, func() (any, error) {
		ran = true
		result, err := fn()
		if err != nil {
			return result, err
		}
		if co.keep == nil || co.keep(result) {
			co.cache.Set(key, result)
		}
		return result, nil
	})
	if typed, ok := v.(T); ok {
		value = typed
	}
	return value, !ran, err
}

// Forget drops key from the cache and from the in-flight set
func (co *Coalescer[T]) Forget(key string) {
	co.group.Forget(key)
	co.cache.Delete(key)
}

// ForgetPrefix drops every cached key starting with prefix
func (co *Coalescer[T]) ForgetPrefix(prefix string) int {
	return co.cache.DeletePrefix(prefix)
}

// RequestKey identifies a request by method, path and query. Query keys
// and repeated values are sorted so parameter order does not matter.
func RequestKey(method, path string, query url.Values) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(path)
	if len(query) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('?')
	first := true
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
