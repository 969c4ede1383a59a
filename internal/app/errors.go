package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error that already knows its HTTP response. Service
// methods return it for request-level problems; package sentinels from
// content, auth and the providers are translated in mapError instead.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

// unavailable reports an optional collaborator that serve did not build,
// e.g. unavailable("SEARCH", "Search").
func unavailable(code, feature string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code+"_UNAVAILABLE", feature+" is not configured", nil)
}
