package confsource

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/sdk/tunnelmsg"
)

func testLogger() logger.Interface {
	return logger.NewLoggerWithZap(zap.NewNop())
}

func writeDoc(t *testing.T, path string, doc fileDocument) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestListEnabledMappingsFiltersAndSorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeDoc(t, path, fileDocument{Mappings: []tunnelmsg.Mapping{
		{ID: "b", Enabled: true},
		{ID: "a", Enabled: true},
		{ID: "c", Enabled: false},
	}})

	fs, err := NewFileSource(path, testLogger())
	require.NoError(t, err)
	defer fs.Close()

	mappings, err := fs.ListEnabledMappings()
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "a", mappings[0].ID)
	assert.Equal(t, "b", mappings[1].ID)
}

func TestOnChangeFiresOnFileWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeDoc(t, path, fileDocument{})

	fs, err := NewFileSource(path, testLogger())
	require.NoError(t, err)
	defer fs.Close()

	changed := make(chan struct{}, 1)
	fs.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	writeDoc(t, path, fileDocument{Mappings: []tunnelmsg.Mapping{{ID: "a", Enabled: true}}})

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnChange callback did not fire after file write")
	}

	mappings, err := fs.ListEnabledMappings()
	require.NoError(t, err)
	require.Len(t, mappings, 1)
}

func TestGetLandingPageReturnsMD5Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeDoc(t, path, fileDocument{LandingPageHTML: "<html></html>"})

	fs, err := NewFileSource(path, testLogger())
	require.NoError(t, err)
	defer fs.Close()

	html, hash, err := fs.GetLandingPage()
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", html)
	assert.Len(t, hash, 32)
}
