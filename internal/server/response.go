package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// ReplayHeader is set on acknowledgements of operations that had already been applied.
const ReplayHeader = "Idempotent-Replayed"

// internalErrorBody is written when a response cannot be encoded.
var internalErrorBody []byte

func init() {
	var err error
	internalErrorBody, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("marshal fallback error response: %v", err))
	}
}

// respond writes resp as the JSON envelope. Sync responses are never cacheable.
func respond(w http.ResponseWriter, code int, resp models.APIResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Server.respond: failed to marshal response", "status", resp.Status, "error", err)
		body, code = internalErrorBody, http.StatusInternalServerError
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Server.respond: client went away", "error", err)
	}
}

func respondError(w http.ResponseWriter, code int, message string) {
	respond(w, code, models.Error(message))
}

// respondAck acknowledges an accepted operation.
func respondAck(w http.ResponseWriter, ack models.ServerAck, replayed bool) {
	if replayed {
		w.Header().Set(ReplayHeader, "true")
	}
	respond(w, http.StatusOK, models.Success(ack))
}

func respondConflict(w http.ResponseWriter, current models.ServerState) {
	respond(w, http.StatusConflict, models.Conflict(current))
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}
