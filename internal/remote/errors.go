package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// ErrInsecureURL is returned for a server URL that is not https.
var ErrInsecureURL = errors.New("sync server URL must use https")

// TransportError is a retryable failure: the network, a timeout, a 5xx, or a response
// the server may answer differently later (401, 403, 429).
type TransportError struct {
	Op         string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConflictError reports that the server holds a newer version than the operation was
// built against. Current carries the server copy when the response included it.
type ConflictError struct {
	RecordID   string
	Current    models.ServerState
	HasCurrent bool
}

func (e *ConflictError) Error() string {
	if e.HasCurrent {
		return fmt.Sprintf("conflict on record %s: server is at version %d", e.RecordID, e.Current.Version)
	}
	return fmt.Sprintf("conflict on record %s", e.RecordID)
}

// PinningError means the server presented a key that matches none of the pins. It is
// never retried: the engine halts until the configuration is fixed.
type PinningError struct {
	Host string
	Got  []string
}

func (e *PinningError) Error() string {
	return fmt.Sprintf("certificate pin mismatch for %s (presented %s)", e.Host, strings.Join(e.Got, ", "))
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// statusError maps a non-success status that is not a conflict or validation failure.
func statusError(op string, code int, message string) error {
	if message == "" {
		message = http.StatusText(code)
	}
	return &TransportError{Op: op, StatusCode: code, Err: errors.New(message)}
}
