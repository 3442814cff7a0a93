package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agensys/reviewbot/internal/model"
)

func TestLoadPersonaDefaultsToBuiltin(t *testing.T) {
	p, err := loadPersona(model.Config{})
	require.NoError(t, err)
	assert.Equal(t, "default", p.ID)
	assert.NotEmpty(t, p.Hash)
}

func TestLoadPersonaSelectsNamedBuiltin(t *testing.T) {
	p, err := loadPersona(model.Config{Persona: "mentor"})
	require.NoError(t, err)
	assert.Equal(t, "mentor", p.ID)
}

func TestLoadPersonaRejectsUnknownName(t *testing.T) {
	_, err := loadPersona(model.Config{Persona: "nonexistent"})
	assert.Error(t, err)
}

func TestLoadPersonaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: custom\nname: Custom Reviewer\ntone: blunt\n"), 0o644))

	p, err := loadPersona(model.Config{PersonaFilePath: path})
	require.NoError(t, err)
	assert.Equal(t, "custom", p.ID)
	assert.Equal(t, "Custom Reviewer", p.Name)
	assert.NotEmpty(t, p.Hash)
}

func TestHealthHandlerReturnsOK(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	healthHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestTriggerHandlerRejectsNonPost(t *testing.T) {
	h := triggerHandler(func(ctx context.Context) (string, error) { return "run-1", nil }, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	h(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTriggerHandlerRunsAndReportsRunID(t *testing.T) {
	h := triggerHandler(func(ctx context.Context) (string, error) { return "run-42", nil }, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	h(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-42")
}

func TestTriggerHandlerReportsRunFailure(t *testing.T) {
	h := triggerHandler(func(ctx context.Context) (string, error) { return "", errors.New("boom") }, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	h(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}
