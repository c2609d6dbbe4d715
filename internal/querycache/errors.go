package querycache

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/remote"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/store"
)

// ErrNotFound is returned for unknown queries, pages or systems.
var ErrNotFound = store.ErrNotFound

// ErrInvalidLayout rejects a page layout before anything is written.
var ErrInvalidLayout = errors.New("invalid layout")

// QueryInvalidError reports that the remote service rejected the query
// parameters. Body is the upstream error document.
type QueryInvalidError struct {
	QueryID int64
	Name    string
	Status  int
	Body    []byte
}

func (e *QueryInvalidError) Error() string {
	return fmt.Sprintf("Query '%s' is invalid.", e.Name)
}

// asQueryInvalid turns a client error on submission into a QueryInvalidError.
func asQueryInvalid(err error, queryID int64, name string) error {
	var re *remote.RequestError
	if errors.As(err, &re) && re.IsClientError() {
		return &QueryInvalidError{QueryID: queryID, Name: name, Status: re.Status, Body: re.Body}
	}
	return err
}
