package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievemgr/protocol"
)

type fakeStore struct {
	scripts  map[string]string
	active   string
	uploaded []string
	putErr   error
}

func (f *fakeStore) ListScripts(ctx context.Context) ([]protocol.ScriptEntry, error) {
	var entries []protocol.ScriptEntry
	for name := range f.scripts {
		entries = append(entries, protocol.ScriptEntry{Name: name, Active: name == f.active})
	}
	return entries, nil
}

func (f *fakeStore) GetScript(ctx context.Context, name string) (string, error) {
	return f.scripts[name], nil
}

func (f *fakeStore) PutScript(ctx context.Context, name, body string) (*protocol.Response, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.uploaded = append(f.uploaded, name)
	f.scripts[name] = body
	return &protocol.Response{Status: protocol.StatusOK}, nil
}

func (f *fakeStore) SetActive(ctx context.Context, name string) error {
	f.active = name
	return nil
}

func TestCollectScripts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vacation.sieve"), []byte("keep;\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "filters.sieve"), []byte("discard;\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "old.sieve"), 0755))

	scripts, err := collectScripts(dir)
	require.NoError(t, err)
	assert.Equal(t, []localScript{
		{name: "filters", body: "discard;\n"},
		{name: "vacation", body: "keep;\n"},
	}, scripts)

	_, err = collectScripts(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestPushUploadsChangedScripts(t *testing.T) {
	store := &fakeStore{
		scripts: map[string]string{
			"vacation": "keep;\r\n",
			"filters":  "discard;\r\n",
		},
		active: "filters",
	}
	local := []localScript{
		{name: "filters", body: "require \"fileinto\";\nfileinto \"Junk\";\n"},
		{name: "new", body: "stop;\n"},
		{name: "vacation", body: "keep;\n"},
	}

	var out bytes.Buffer
	require.NoError(t, push(context.Background(), store, local, "vacation", false, &out))
	assert.Equal(t, []string{"filters", "new"}, store.uploaded, "vacation differs only in line breaks")
	assert.Equal(t, "vacation", store.active)
	assert.Equal(t, "uploaded filters\nuploaded new\nactivated vacation\n", out.String())
}

func TestPushDryRun(t *testing.T) {
	store := &fakeStore{scripts: map[string]string{"a": "keep;\r\n"}, active: "a"}
	local := []localScript{{name: "a", body: "discard;\n"}, {name: "b", body: "keep;\n"}}

	var out bytes.Buffer
	require.NoError(t, push(context.Background(), store, local, "b", true, &out))
	assert.Empty(t, store.uploaded)
	assert.Equal(t, "a", store.active)
	assert.Equal(t, "would upload a\nwould upload b\nwould activate b\n", out.String())
}

func TestPushAlreadyActive(t *testing.T) {
	store := &fakeStore{scripts: map[string]string{"a": "keep;\r\n"}, active: "a"}

	var out bytes.Buffer
	require.NoError(t, push(context.Background(), store, []localScript{{name: "a", body: "keep;\r\n"}}, "a", false, &out))
	assert.Empty(t, store.uploaded)
	assert.Empty(t, out.String())
}

func TestPushUploadError(t *testing.T) {
	store := &fakeStore{scripts: map[string]string{}, putErr: errors.New("quota exceeded")}
	err := push(context.Background(), store, []localScript{{name: "a", body: "keep;"}}, "", false, &bytes.Buffer{})
	assert.ErrorContains(t, err, "a: quota exceeded")
}
