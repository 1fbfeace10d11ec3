package llmclient

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CallLogOnly(t *testing.T) {
	t.Run("Should append the prompt to the log and return a canned structure", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "prompts.log")
		c := New(Options{Mode: ModeLogOnly, PromptLogPath: logPath})

		resp, err := c.Call(context.Background(), Request{
			SystemPrompt: "you are a spec builder", UserPrompt: "build the dm spec", Domain: "dm",
			Schema: map[string]any{"properties": map[string]any{"variables": map[string]any{}}},
		})
		require.NoError(t, err)
		assert.Contains(t, resp.Structured, "variables")

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "build the dm spec")
		assert.Contains(t, string(data), "domain: dm")
	})
}

func TestClient_CallTemplate(t *testing.T) {
	t.Run("Should produce a deterministic demographics draft", func(t *testing.T) {
		c := New(Options{Mode: ModeTemplate})
		resp1, err := c.Call(context.Background(), Request{Domain: "dm"})
		require.NoError(t, err)
		resp2, err := c.Call(context.Background(), Request{Domain: "dm"})
		require.NoError(t, err)
		assert.Equal(t, resp1.Raw, resp2.Raw)
		assert.Contains(t, resp1.Raw, "SEX")
	})

	t.Run("Should return an empty-but-valid document for an unmodeled domain with no schema", func(t *testing.T) {
		c := New(Options{Mode: ModeTemplate})
		resp, err := c.Call(context.Background(), Request{Domain: "ae"})
		require.NoError(t, err)
		assert.Empty(t, resp.Structured)
	})

	t.Run("Should return a findings array for a reviewer-shaped request regardless of domain", func(t *testing.T) {
		c := New(Options{Mode: ModeTemplate})
		resp, err := c.Call(context.Background(), Request{
			Domain: "dm",
			Schema: map[string]any{"properties": map[string]any{"findings": map[string]any{"type": "array"}}},
		})
		require.NoError(t, err)
		findings, ok := resp.Structured["findings"].([]any)
		require.True(t, ok, "expected a findings array, got %#v", resp.Structured["findings"])
		assert.Empty(t, findings)
	})

	t.Run("Should return a runnable language/script document for a programmer-shaped request", func(t *testing.T) {
		c := New(Options{Mode: ModeTemplate})
		req := Request{
			Domain: "dm",
			Schema: map[string]any{"properties": map[string]any{
				"language": map[string]any{"type": "string"},
				"script":   map[string]any{"type": "string"},
			}},
		}
		resp1, err := c.Call(context.Background(), req)
		require.NoError(t, err)
		language, _ := resp1.Structured["language"].(string)
		script, _ := resp1.Structured["script"].(string)
		assert.NotEmpty(t, language)
		assert.NotEmpty(t, script)
		assert.Contains(t, []string{"python", "r", "sas"}, language)

		resp2, err := c.Call(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, resp1.Raw, resp2.Raw, "production and QC requests must get byte-identical scripts")
	})
}

func TestClient_CallLive(t *testing.T) {
	t.Run("Should call the mock provider and return its content", func(t *testing.T) {
		c := New(Options{
			Mode:        ModeLive,
			Provider:    &ProviderConfig{Provider: ProviderMock, Model: "mock-1"},
			RetryBudget: 1,
		})
		resp, err := c.Call(context.Background(), Request{SystemPrompt: "sys", UserPrompt: "build spec for dm"})
		require.NoError(t, err)
		assert.Contains(t, resp.Raw, "build spec for dm")
	})
}
