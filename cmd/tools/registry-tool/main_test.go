package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"workflow-notifications/pkg/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shippedRegistry = "../../../configs/registry.json"

func copyRegistry(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(shippedRegistry)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// ==========================
// validate
// ==========================

func TestValidate_ShippedRegistry(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runValidate([]string{"-path", shippedRegistry}, &out))
	assert.Contains(t, out.String(), "WORKFLOW_STEP_COMPLETED uses undeclared placeholders Comments")
	assert.Contains(t, out.String(), "Registry validation passed")

	err := runValidate([]string{"-path", shippedRegistry, "-strict"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestValidate_MissingActivity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"templates":[],"activities":[{"id":"send","taskType":"notify.send"}]}`), 0644))

	err := runValidate([]string{"-path", path}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow.start")
}

// ==========================
// update
// ==========================

func TestUpdate_RewritesTemplate(t *testing.T) {
	path := copyRegistry(t)

	var out bytes.Buffer
	require.NoError(t, runUpdate([]string{"-path", path, "-code", "FORM_REJECTED", "-field", "channels", "-value", "Email, InApp ,"}, &out))
	assert.Contains(t, out.String(), "Updated template FORM_REJECTED")

	reg, err := registry.Load(path)
	require.NoError(t, err)
	for _, tpl := range reg.Templates {
		if tpl.Code == "FORM_REJECTED" {
			assert.Equal(t, []string{"Email", "InApp"}, tpl.DefaultChannels)
		}
	}
}

func TestUpdate_Rejects(t *testing.T) {
	path := copyRegistry(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown template", []string{"-code", "NOPE", "-field", "body", "-value", "x"}},
		{"unknown field", []string{"-code", "FORM_REJECTED", "-field", "color", "-value", "x"}},
		{"blank body", []string{"-code", "FORM_REJECTED", "-field", "body", "-value", " "}},
		{"missing code", []string{"-field", "body", "-value", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runUpdate(append([]string{"-path", path}, tt.args...), &bytes.Buffer{})
			assert.Error(t, err)
		})
	}

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestList(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runList([]string{"-path", shippedRegistry}, &out))
	assert.Contains(t, out.String(), "ASSIGNMENT_CREATED")
	assert.Contains(t, out.String(), "workflow.step-action")
}
