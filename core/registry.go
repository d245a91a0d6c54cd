package core

import (
	"fmt"

	"pkt.systems/cobrowse/schema"
)

// Page is one registered tab. Its ordinal is its position in the registry.
type Page struct {
	Handle schema.PageHandle
	URL    string
	Title  string
}

// Registry is the canonical ordered model of open pages and the active one.
// It is not safe for concurrent use; the session's mutation lock guards it.
type Registry struct {
	pages  []Page
	active int
}

// ReconcileResult summarizes what a reconcile changed.
type ReconcileResult struct {
	Removed       int
	Deduplicated  int
	Adopted       int
	Refreshed     int
	ActiveChanged bool
}

// Changed reports whether the registry differs from before the reconcile.
func (r ReconcileResult) Changed() bool {
	return r.Removed > 0 || r.Deduplicated > 0 || r.Adopted > 0 || r.Refreshed > 0 || r.ActiveChanged
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: -1}
}

// List returns a copy of the pages in ordinal order.
func (r *Registry) List() []Page {
	return append([]Page(nil), r.pages...)
}

// Len returns the number of registered pages.
func (r *Registry) Len() int {
	return len(r.pages)
}

// ActiveIndex returns the active ordinal, or -1 when the registry is empty.
func (r *Registry) ActiveIndex() int {
	if len(r.pages) == 0 {
		return -1
	}
	return r.active
}

// Active returns the active page.
func (r *Registry) Active() (Page, bool) {
	if len(r.pages) == 0 {
		return Page{}, false
	}
	return r.pages[r.active], true
}

// At returns the page at index.
func (r *Registry) At(index int) (Page, error) {
	if index < 0 || index >= len(r.pages) {
		return Page{}, fmt.Errorf("%w: %d of %d", schema.ErrOutOfRange, index, len(r.pages))
	}
	return r.pages[index], nil
}

// IndexOf returns the ordinal of handle, or -1.
func (r *Registry) IndexOf(handle schema.PageHandle) int {
	for i, page := range r.pages {
		if page.Handle == handle {
			return i
		}
	}
	return -1
}

// SetActive makes index the active page.
func (r *Registry) SetActive(index int) error {
	if _, err := r.At(index); err != nil {
		return err
	}
	r.active = index
	return nil
}

// Insert appends page and returns its ordinal. The active index only moves
// when the registry was empty.
func (r *Registry) Insert(page Page) int {
	r.pages = append(r.pages, page)
	if len(r.pages) == 1 {
		r.active = 0
	}
	return len(r.pages) - 1
}

// RemoveAt removes the page at index. The last remaining page cannot be
// removed. When the active page is removed its successor becomes active, or
// its predecessor if it was the last ordinal.
func (r *Registry) RemoveAt(index int) (Page, error) {
	page, err := r.At(index)
	if err != nil {
		return Page{}, err
	}
	if len(r.pages) == 1 {
		return Page{}, schema.ErrLastPageProtected
	}
	r.pages = append(r.pages[:index:index], r.pages[index+1:]...)
	switch {
	case index < r.active:
		r.active--
	case index == r.active && r.active >= len(r.pages):
		r.active = len(r.pages) - 1
	}
	return page, nil
}

// Reconcile re-derives the registry from the engine's live page set. Entries
// whose handle is gone are removed, repeated handles keep their earliest
// ordinal, url and title are refreshed, and unknown live pages are appended
// without taking focus. Calling it again with the same live set changes
// nothing.
func (r *Registry) Reconcile(live []LivePage) ReconcileResult {
	var result ReconcileResult
	liveByHandle := make(map[schema.PageHandle]LivePage, len(live))
	for _, lp := range live {
		if _, ok := liveByHandle[lp.Handle]; !ok {
			liveByHandle[lp.Handle] = lp
		}
	}

	prevActive := r.ActiveIndex()
	var activeHandle schema.PageHandle
	if prevActive >= 0 {
		activeHandle = r.pages[prevActive].Handle
	}

	kept := make([]Page, 0, len(r.pages))
	seen := make(map[schema.PageHandle]int, len(r.pages))
	// survivorsBefore counts kept original pages that sat before the active ordinal.
	survivorsBefore := 0
	activeSurvived := false
	for i, page := range r.pages {
		lp, ok := liveByHandle[page.Handle]
		if !ok {
			result.Removed++
			continue
		}
		if _, dup := seen[page.Handle]; dup {
			result.Deduplicated++
			if i == prevActive {
				activeSurvived = true
			}
			continue
		}
		if page.URL != lp.URL || (lp.Title != "" && page.Title != lp.Title) {
			page.URL = lp.URL
			if lp.Title != "" {
				page.Title = lp.Title
			}
			result.Refreshed++
		}
		seen[page.Handle] = len(kept)
		if i < prevActive {
			survivorsBefore++
		}
		if i == prevActive {
			activeSurvived = true
		}
		kept = append(kept, page)
	}
	originals := len(kept)

	for _, lp := range live {
		if _, ok := seen[lp.Handle]; ok {
			continue
		}
		seen[lp.Handle] = len(kept)
		kept = append(kept, Page{Handle: lp.Handle, URL: lp.URL, Title: lp.Title})
		result.Adopted++
	}

	r.pages = kept
	switch {
	case len(kept) == 0:
		r.active = -1
	case prevActive < 0:
		r.active = 0
	case activeSurvived:
		r.active = seen[activeHandle]
	case survivorsBefore < originals:
		r.active = survivorsBefore
	case survivorsBefore > 0:
		r.active = survivorsBefore - 1
	default:
		r.active = 0
	}
	if prevActive != r.ActiveIndex() || (activeHandle != "" && !activeSurvived) {
		result.ActiveChanged = true
	}
	return result
}

// Snapshot renders the client-facing page list.
func (r *Registry) Snapshot() []schema.PageInfo {
	out := make([]schema.PageInfo, 0, len(r.pages))
	for i, page := range r.pages {
		out = append(out, schema.PageInfo{
			Index:  i,
			URL:    page.URL,
			Title:  page.Title,
			Active: i == r.active,
		})
	}
	return out
}
