package middleware

import (
	"bytes"
	"net/http"
	"strings"

	"topic-chat/backend/pkg/cache"
	"topic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CachedResponse is a captured GET response
type CachedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponseCoalescer keeps only successful responses
func NewResponseCoalescer(c *cache.Cache) *cache.Coalescer[CachedResponse] {
	return cache.NewCoalescer(c, func(r CachedResponse) bool {
		return r.Status >= 200 && r.Status < 300
	})
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Coalesce serves identical concurrent GETs from one handler run and
// replays the result for the cache window. A successful request with any
// other method evicts the GETs of its resource path and of the resources
// listed for it in related.
func Coalesce(co *cache.Coalescer[CachedResponse], related map[string][]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			if len(c.Errors) == 0 && c.Writer.Status() < http.StatusBadRequest {
				evict(c, co, related)
			}
			return
		}

		key := cache.RequestKey(c.Request.Method, c.Request.URL.Path, c.Request.URL.Query())
		resp, shared, err := co.Do(key, func() (CachedResponse, error) {
			w := &captureWriter{ResponseWriter: c.Writer}
			c.Writer = w
			c.Next()
			c.Writer = w.ResponseWriter

			resp := CachedResponse{
				Status: w.Status(),
				Header: w.Header().Clone(),
				Body:   w.body.Bytes(),
			}
			if len(c.Errors) > 0 {
				return resp, c.Errors.Last().Err
			}
			return resp, nil
		})
		if !shared {
			return
		}

		if err != nil {
			c.Error(err)
			c.Abort()
			return
		}

		header := c.Writer.Header()
		for k, v := range resp.Header {
			// keep per-request headers such as X-Request-ID
			if _, set := header[k]; set {
				continue
			}
			header[k] = append([]string(nil), v...)
		}
		header.Set("X-Cache", "HIT")
		c.Writer.WriteHeader(resp.Status)
		_, _ = c.Writer.Write(resp.Body)
		c.Abort()
	}
}

func evict(c *gin.Context, co *cache.Coalescer[CachedResponse], related map[string][]string) {
	resource := resourcePath(c.Request.URL.Path)
	n := co.ForgetPrefix(http.MethodGet + " " + resource)
	for _, other := range related[resource] {
		n += co.ForgetPrefix(http.MethodGet + " " + other)
	}
	if n > 0 {
		logger.FromContext(c).Debug("coalesced responses evicted", "resource", resource, "count", n)
	}
}

// resourcePath keeps the first two segments, /api/conversations/123 -> /api/conversations
func resourcePath(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
