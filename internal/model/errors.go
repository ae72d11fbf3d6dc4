package model

import "fmt"

// ExternalServiceError reports that a collaborator outside the process (a
// vulnerability feed, the job queue) could not be reached. It is never fatal
// to a scan.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }
