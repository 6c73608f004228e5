package audit

import "time"

// TimelineFilters narrows a security event listing.
type TimelineFilters struct {
	From       time.Time
	To         time.Time
	IdentityID string
	Action     string
	Reason     string
	// DeniedOnly restricts the listing to denials.
	DeniedOnly bool
	Page       int
	PageSize   int
}

// PagingInfo holds simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result is one page of events.
type Result struct {
	Events []SecurityEvent `json:"events"`
	Paging PagingInfo      `json:"paging"`
}

// ListParams is the repository-level query.
type ListParams struct {
	TimelineFilters
	Offset int
	Limit  int
}
