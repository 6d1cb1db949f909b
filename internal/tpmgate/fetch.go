package tpmgate

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const cacheHeader = "X-TPM-Cache"

// Values of the X-TPM-Cache response header.
const (
	resultHit         = "hit"
	resultMiss        = "miss"
	resultNetworkOnly = "network-only"
	resultOffline     = "offline"
	resultBypass      = "bypass"
	resultBadGateway  = "bad-gateway"
)

const offlinePage = `<!doctype html>
<html lang="fa" dir="rtl">
<head><meta charset="utf-8"><title>آفلاین</title></head>
<body>
<h1>اتصال به شبکه برقرار نیست</h1>
<p>این صفحه در حالت آفلاین در دسترس نیست. لطفاً اتصال خود را بررسی کرده و دوباره تلاش کنید.</p>
</body>
</html>
`

const networkOnlyFailure = "این صفحه فقط به صورت آنلاین در دسترس است و اتصال به سرور برقرار نشد.\n"

// intercept applies the fetch policy to one request: network-only for
// dynamic and external requests, cache-first for the rest.
func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	class := s.classifier.Classify(r)
	switch class {
	case ClassDynamic, ClassExternal:
		s.proxyPass(w, r, class, resultNetworkOnly)
		return
	}

	cache := s.current.Load()
	if cache == nil || r.Method != http.MethodGet {
		s.proxyPass(w, r, class, resultBypass)
		return
	}
	s.cacheFirst(w, r, class, cache)
}

func (s *Service) cacheFirst(w http.ResponseWriter, r *http.Request, class Class, cache *Cache) {
	key := r.URL.RequestURI()
	if ent, ok := cache.Match(key); ok {
		s.writeEntry(w, ent, class, resultHit)
		return
	}

	ent, err := s.fetchFromOrigin(r, class)
	if err != nil {
		s.offline(w, r, class, cache, err)
		return
	}
	// origin Cache-Control does not apply: any success is stored
	if !isSuccess(ent.Status) {
		s.writeEntry(w, ent, class, resultBypass)
		return
	}
	if err := cache.Put(key, ent); err != nil {
		if errors.Is(err, ErrVersionDeleted) {
			s.log.Debug("cache put skipped, version replaced", zap.String("url", key), zap.String("version", cache.Version()))
		} else {
			s.log.Warn("cache put failed", zap.String("url", key), zap.Error(err))
		}
	}
	s.writeEntry(w, ent, class, resultMiss)
}

// proxyPass forwards r without touching the cache. A network failure is
// reported to the caller as 502, never substituted.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, class Class, result string) {
	ent, err := s.fetchFromOrigin(r, class)
	if err != nil {
		s.log.Warn("origin fetch failed",
			zap.String("class", class.String()),
			zap.String("url", r.URL.String()),
			zap.Error(err))
		setCacheHeader(w.Header(), resultBadGateway)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, networkOnlyFailure)
		s.metrics.CacheRequest(class.String(), resultBadGateway)
		return
	}
	s.writeEntry(w, ent, class, result)
}

// offline answers a cache-first request whose network fetch failed: the app
// shell for documents, the default icon for images, otherwise a 503 page.
func (s *Service) offline(w http.ResponseWriter, r *http.Request, class Class, cache *Cache, cause error) {
	var fallback string
	switch {
	case wantsHTML(r):
		fallback = s.cfg.Offline.Shell
	case wantsImage(r):
		fallback = s.cfg.Offline.Image
	}
	s.log.Info("origin unreachable, serving offline response",
		zap.String("url", r.URL.RequestURI()),
		zap.String("fallback", fallback),
		zap.Error(cause))

	if fallback != "" {
		if ent, ok := cache.Match(fallback); ok {
			s.writeEntry(w, ent, class, resultOffline)
			return
		}
	}

	h := w.Header()
	setCacheHeader(h, resultOffline)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, offlinePage)
	s.metrics.CacheRequest(class.String(), resultOffline)
}

func (s *Service) originURL(r *http.Request, class Class) string {
	if class == ClassExternal && r.URL.IsAbs() {
		return r.URL.String()
	}
	return s.cfg.Server.Origin + r.URL.RequestURI()
}

func (s *Service) fetchFromOrigin(r *http.Request, class Class) (CachedEntry, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.originURL(r, class), body)
	if err != nil {
		return CachedEntry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if body != nil {
		req.ContentLength = r.ContentLength
	}

	return s.do(req)
}

// get fetches an origin path outside of any page request. With noCache set
// the request asks every HTTP cache on the way to revalidate.
func (s *Service) get(ctx context.Context, p string, noCache bool) (CachedEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+p, nil)
	if err != nil {
		return CachedEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	if noCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	return s.do(req)
}

func (s *Service) do(req *http.Request) (CachedEntry, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CachedEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedEntry{}, err
	}

	ent := CachedEntry{
		URL:      req.URL.RequestURI(),
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func (s *Service) writeEntry(w http.ResponseWriter, ent CachedEntry, class Class, result string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeader(w.Header(), result)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)

	s.metrics.CacheRequest(class.String(), result)
	if s.stats != nil && (result == resultHit || result == resultMiss) {
		s.stats.Observe(result == resultHit, len(ent.Body))
	}
}

func setCacheHeader(h http.Header, result string) {
	if result != "" {
		h.Set(cacheHeader, result)
	}
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

func wantsHTML(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return true
	}
	p := r.URL.Path
	switch strings.ToLower(path.Ext(p)) {
	case ".html", ".htm":
		return true
	}
	return strings.HasSuffix(p, "/")
}

func wantsImage(r *http.Request) bool {
	if strings.HasPrefix(r.Header.Get("Accept"), "image/") {
		return true
	}
	switch strings.ToLower(path.Ext(r.URL.Path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico":
		return true
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
