package tpmgate

import (
	"net/http"
	"strings"
)

type Class int

const (
	ClassEssential Class = iota
	ClassDynamic
	ClassExternal
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassEssential:
		return "essential-static"
	case ClassDynamic:
		return "dynamic-excluded"
	case ClassExternal:
		return "external-api"
	default:
		return "other"
	}
}

// Classifier sorts intercepted requests into exactly one Class. Rules are
// applied in order: exclusion list, foreign host or external API pattern,
// precache manifest or same-origin GET, everything else.
type Classifier struct {
	exclude  []string
	external []string
	precache map[string]struct{}
}

func NewClassifier(exclude, external, precache []string) *Classifier {
	c := &Classifier{precache: make(map[string]struct{}, len(precache))}
	for _, p := range exclude {
		if p = strings.TrimSpace(p); p != "" {
			c.exclude = append(c.exclude, p)
		}
	}
	for _, p := range external {
		if p = strings.TrimSpace(p); p != "" {
			c.external = append(c.external, p)
		}
	}
	for _, p := range precache {
		c.precache[p] = struct{}{}
	}
	return c
}

func (c *Classifier) Classify(r *http.Request) Class {
	path := r.URL.Path
	for _, p := range c.exclude {
		if strings.Contains(path, p) {
			return ClassDynamic
		}
	}

	// absolute-form request for another host, as sent to a forward proxy
	if r.URL.IsAbs() && r.URL.Host != "" && !strings.EqualFold(r.URL.Host, r.Host) {
		return ClassExternal
	}
	full := r.Host + r.URL.RequestURI()
	for _, p := range c.external {
		if strings.Contains(full, p) {
			return ClassExternal
		}
	}

	if _, ok := c.precache[path]; ok {
		return ClassEssential
	}
	if r.Method == http.MethodGet {
		return ClassEssential
	}
	return ClassOther
}

// Precached reports whether path is in the install manifest.
func (c *Classifier) Precached(path string) bool {
	_, ok := c.precache[path]
	return ok
}
