package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRuleElement_cueIsEvaluatedToJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blur.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
key:   "blur"
label: "Blur"
operations: [{type: "overrideVisibility", state: "concealed", observers: "all"}]
`), 0o600))

	raw, err := readRuleElement(path)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"key":"blur","label":"Blur","operations":[{"type":"overrideVisibility","state":"concealed","observers":"all"}]}`,
		string(raw))
}

func TestReadRuleElement_rejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"key":`), 0o600))
	_, err := readRuleElement(path)
	assert.Error(t, err)
}

func TestApplyCommand_sendsCreateRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"outcome":"executed","output":{"id":"fx-1"}}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--executor", srv.URL, "apply", "wizard", "--effect", "blur", "--id", "fx-1"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "effect.create", got["operation"])
	assert.Equal(t, map[string]any{"owner": "wizard", "effect": "blur", "id": "fx-1"}, got["input"])
	assert.Contains(t, out.String(), "✓ Executed")
}

func TestPrintResponse_rejected(t *testing.T) {
	var out bytes.Buffer
	printResponse(&out, map[string]any{
		"outcome": "rejected",
		"error":   map[string]any{"code": "TOKEN_NOT_FOUND", "message": "token \"x\" is not in the scene", "suggestion": "check the id"},
	})
	assert.Contains(t, out.String(), "✗ Rejected")
	assert.Contains(t, out.String(), "TOKEN_NOT_FOUND")
	assert.Contains(t, out.String(), "Hint:    check the id")
}
