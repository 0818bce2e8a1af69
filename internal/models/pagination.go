package models

// Pagination describes one page of a listing
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// NewPagination computes page counts; totalPages is never below 1
func NewPagination(page, pageSize int, total int64) Pagination {
	totalPages := 1
	if pageSize > 0 && total > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	}
}

// Page is a paged listing response
type Page[T any] struct {
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// AllModels lists the models for auto-migration
func AllModels() []any {
	return []any{&User{}, &Conversation{}, &Message{}}
}
