package execution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/carat-studio/internal/apperr"
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTools(t *testing.T, handler http.HandlerFunc) *OpenAITools {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := llm.NewClient("test-key", srv.URL+"/v1")
	require.NoError(t, err)
	return NewOpenAITools(client, "", "", nil)
}

func imageJSON(data []byte) string {
	return `{"created":1,"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(data) + `"}]}`
}

func TestOpenAIGenerate(t *testing.T) {
	var body map[string]any
	tools := newTestTools(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, imageJSON([]byte("png-bytes")))
	})

	img, err := tools.Generate(context.Background(), ToolParams{Action: domain.ActionGenerate, Prompt: "a cat", Size: "1024x1024"})
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), img)
	assert.Equal(t, "dall-e-3", body["model"])
	assert.Equal(t, "b64_json", body["response_format"])
	assert.Equal(t, "a cat", body["prompt"])
}

func TestOpenAIEditSendsImageAndMask(t *testing.T) {
	tools := newTestTools(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/edits", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "dall-e-2", r.FormValue("model"))
		assert.Equal(t, "recolor", r.FormValue("prompt"))
		_, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		assert.Contains(t, hdr.Filename, ".png")
		_, _, err = r.FormFile("mask")
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, imageJSON([]byte("edited")))
	})

	img, err := tools.Edit(context.Background(), ToolParams{
		Action: domain.ActionEdit, Prompt: "recolor", Size: "1024x1024",
		Image: []byte("image"), Mask: []byte("mask"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("edited"), img)
}

func TestOpenAIEmptyData(t *testing.T) {
	tools := newTestTools(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created":1,"data":[]}`)
	})
	_, err := tools.Generate(context.Background(), ToolParams{Prompt: "x"})
	assert.ErrorIs(t, err, errEmptyImageResponse)
}

func TestClassifyToolError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apperr.Reason
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, apperr.ReasonQuotaExceeded},
		{"quota", http.StatusForbidden, `{"error":{"message":"no credit","type":"insufficient_quota","code":"insufficient_quota"}}`, apperr.ReasonQuotaExceeded},
		{"invalid", http.StatusBadRequest, `{"error":{"message":"bad prompt","type":"invalid_request_error","code":"content_policy_violation"}}`, apperr.ReasonInvalidRequest},
		{"upstream", http.StatusInternalServerError, `{"error":{"message":"oops","type":"server_error"}}`, apperr.ReasonUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tools := newTestTools(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := tools.Generate(context.Background(), ToolParams{Prompt: "x"})
			require.Error(t, err)

			classified := classifyToolError(err)
			assert.Equal(t, apperr.CodeExternalAPI, classified.Code)
			assert.Equal(t, tt.want, classified.Reason)
		})
	}
}

func TestClassifyNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := llm.NewClient("k", url+"/v1")
	require.NoError(t, err)
	tools := NewOpenAITools(client, "", "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = tools.Generate(ctx, ToolParams{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonNetwork, classifyToolError(err).Reason)
}

func TestImageStoreNeverOverwrites(t *testing.T) {
	store := newImageStore(t)
	fixed := time.Unix(0, 42)
	store.now = func() time.Time { return fixed }

	ref, _, err := store.Save("sess/../1", "id", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, "/outputs/42_sess----1_id.png", ref)

	_, _, err = store.Save("sess/../1", "id", []byte("second"))
	require.Error(t, err)

	data, err := store.Load(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	_, err = store.Load("/etc/passwd")
	assert.ErrorIs(t, err, errForeignRef)
}
