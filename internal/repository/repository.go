package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// likePattern escapes LIKE wildcards in user input
func likePattern(q string) string {
	r := make([]rune, 0, len(q)+2)
	r = append(r, '%')
	for _, c := range q {
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	r = append(r, '%')
	return string(r)
}
