package models

// RecordFilter represents filter parameters for listing standards or observations
type RecordFilter struct {
	PlateID  string `form:"plate"`
	Detected *bool  `form:"detected"`
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
}

// Normalize applies paging defaults
func (f *RecordFilter) Normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 100
	}
	if f.PageSize > 5000 {
		f.PageSize = 5000
	}
}

// Offset is the row offset of the current page
func (f RecordFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// PagedResult wraps one page of a listing
type PagedResult[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}
