package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noteSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": {"type": "string", "minLength": 1},
    "pinned": {"type": "boolean"}
  }
}`

func TestValidate(t *testing.T) {
	v, err := New([]byte(noteSchema))
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"text":"hi"}`, false},
		{"valid with extra field", `{"text":"hi","pinned":true}`, false},
		{"missing required", `{"pinned":true}`, true},
		{"wrong type", `{"text":5}`, true},
		{"not json", `hello`, true},
		{"empty", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.payload))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var ve *models.ValidationError
			require.True(t, errors.As(err, &ve), "got %T %v", err, err)
			assert.NotEmpty(t, ve.Reason)
		})
	}
}

func TestNilValidatorOnlyChecksSize(t *testing.T) {
	var v *Validator
	assert.NoError(t, v.Validate([]byte("opaque bytes")))
	assert.ErrorIs(t, v.Validate(nil), models.ErrEmptyPayload)
	assert.ErrorIs(t, v.Validate(make([]byte, models.MaxPayloadLength+1)), models.ErrPayloadTooLarge)
}

func TestValidateOperation(t *testing.T) {
	v, err := New([]byte(noteSchema))
	require.NoError(t, err)

	create := models.Operation{Kind: models.OperationCreate, RecordID: "r", IdempotencyKey: "r", Payload: []byte(`{"text":"x"}`)}
	assert.NoError(t, v.ValidateOperation(create))

	del := models.Operation{Kind: models.OperationDelete, RecordID: "r", IdempotencyKey: "r"}
	assert.NoError(t, v.ValidateOperation(del))

	bad := create
	bad.IdempotencyKey = "other"
	var ve *models.ValidationError
	assert.True(t, errors.As(v.ValidateOperation(bad), &ve))

	noID := create
	noID.RecordID = ""
	assert.ErrorIs(t, v.ValidateOperation(noID), models.ErrEmptyRecordID)
}

func TestLoad(t *testing.T) {
	v, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, v)

	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(noteSchema), 0o600))
	v, err = Load(path)
	require.NoError(t, err)
	assert.Error(t, v.Validate([]byte(`{}`)))

	_, err = New([]byte(`{not json`))
	assert.Error(t, err)
}
