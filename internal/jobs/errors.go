package jobs

import (
	"errors"
	"net/http"

	"tickd/internal/storage"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidInput    = errors.New("invalid input")
	ErrJobDisabled     = errors.New("job is disabled")
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// HTTPStatus is the status code a presentation layer would use for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Classify maps err to a Kind. Nil maps to KindInternal; callers check err first.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, storage.ErrDuplicateName):
		return KindConflict
	case errors.Is(err, ErrInvalidSchedule), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrJobDisabled):
		return KindInvalid
	default:
		return KindInternal
	}
}
