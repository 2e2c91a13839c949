package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ExportMode selects how an export request is rendered
type ExportMode string

const (
	// ModeFull renders the whole page once
	ModeFull ExportMode = "full"
	// ModeSections renders one page filtered to the given selectors
	ModeSections ExportMode = "sections"
	// ModeTabs renders one PDF per tab URL
	ModeTabs ExportMode = "tabs"
)

// DefaultFilename is used when a request does not name its output
const DefaultFilename = "dashboard"

// TabSpec names a logical tab reachable at base URL + Selector
type TabSpec struct {
	Selector string `json:"selector"`
	Name     string `json:"name"`
}

// Margins are page margins in millimetres
type Margins struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// HeaderLabel inserts a visible title before every element matching Selector
type HeaderLabel struct {
	Selector string `json:"selector"`
	Title    string `json:"title"`
}

// ExportOptions controls page layout and DOM preparation
type ExportOptions struct {
	Format              string        `json:"format,omitempty"`
	Landscape           bool          `json:"landscape,omitempty"`
	Margins             *Margins      `json:"margins,omitempty"`
	DisplayHeaderFooter bool          `json:"display_header_footer,omitempty"`
	PageRanges          string        `json:"page_ranges,omitempty"`
	WaitSelectors       []string      `json:"wait_selectors,omitempty"`
	CustomCSS           string        `json:"custom_css,omitempty"`
	SectionHeaders      []HeaderLabel `json:"section_headers,omitempty"`
	ChartHeaders        []HeaderLabel `json:"chart_headers,omitempty"`
	// Scale is the bitmap multiplier used by the raster fallback only
	Scale float64 `json:"scale,omitempty"`
}

// ExportRequest is the body of POST /api/export-pdf
type ExportRequest struct {
	URL      string         `json:"url"`
	Filename string         `json:"filename,omitempty"`
	Sections []string       `json:"sections,omitempty"`
	Tabs     []TabSpec      `json:"tabs,omitempty"`
	Options  *ExportOptions `json:"options,omitempty"`
}

// Mode derives the export mode from which optional lists are present
func (r *ExportRequest) Mode() ExportMode {
	switch {
	case len(r.Tabs) > 0:
		return ModeTabs
	case len(r.Sections) > 0:
		return ModeSections
	default:
		return ModeFull
	}
}

// Scan implements sql.Scanner so schedules can store their export target
func (r *ExportRequest) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported export request column type %T", value)
	}
	return json.Unmarshal(data, r)
}

// Value implements driver.Valuer for ExportRequest
func (r ExportRequest) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// PDFArtifact is a rendered document. It lives for one request and is
// streamed to the caller, never cached or persisted.
type PDFArtifact struct {
	Filename string
	Data     []byte
}

// Size returns the artifact length in bytes
func (a *PDFArtifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// TabResult pairs a tab name with its rendered document
type TabResult struct {
	Name     string
	Artifact *PDFArtifact
}
