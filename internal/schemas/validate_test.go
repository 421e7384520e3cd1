package schemas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllSchemas_Compile(t *testing.T) {
	for _, name := range []string{Header, Ghost, Replay, Map} {
		t.Run(name, func(t *testing.T) {
			raw, err := files.ReadFile(name + ".schema.json")
			require.NoError(t, err)

			var v map[string]any
			require.NoError(t, json.Unmarshal(raw, &v), "schema file should be valid JSON")

			_, err = Load(name)
			assert.NoError(t, err)
		})
	}
}

func TestValidate_Header(t *testing.T) {
	assert.NoError(t, Validate(Header, []byte(`{"kind":"ghost","game_version":"TM2020"}`)))

	err := Validate(Header, []byte(`{"kind":"skin"}`))
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, Header, validationErr.Schema)
	assert.NotEmpty(t, validationErr.Errors)
}

func TestValidate_GhostWrongType(t *testing.T) {
	doc := `{
		"game_version": "TM2020",
		"events_duration": "long",
		"exe_checksum": 1,
		"checkpoints": [],
		"inputs": []
	}`

	err := Validate(Ghost, []byte(doc))
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "events_duration", validationErr.Errors[0].Field)
}

func TestValidate_MissingRequiredIsRoot(t *testing.T) {
	err := Validate(Map, []byte(`{"name":"A08"}`))
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "(root)", validationErr.Errors[0].Field)
}

func TestLoad_UnknownSchema(t *testing.T) {
	_, err := Load("skin")
	require.Error(t, err)

	var loadErr *SchemaLoadError
	assert.ErrorAs(t, err, &loadErr)
}
