package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileEntryNullHash(t *testing.T) {
	data, err := json.Marshal(FileEntry{Path: "/a", Size: 3, Hash: HashPtr("")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/a","size":3,"hash":null}`, string(data))

	data, err = json.Marshal(FileEntry{Path: "/a", Size: 3, Hash: HashPtr("ab")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/a","size":3,"hash":"ab"}`, string(data))
}

func TestDownloadBeginResponse(t *testing.T) {
	var resp DownloadBeginResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"ticket": "t1",
		"files": [
			{"path": "/b.dat", "action": "create", "size": 10},
			{"path": "/c.dat", "action": "REMOVE"},
			{"path": "/d.dat", "action": "Keep", "hash": "ff"}
		]
	}`), &resp))

	require.Len(t, resp.Files, 3)
	assert.Equal(t, ActionCreate, resp.Files[0].Action)
	assert.Equal(t, int64(10), *resp.Files[0].Size)
	assert.Equal(t, ActionRemove, resp.Files[1].Action)
	assert.Nil(t, resp.Files[1].Size)
	assert.Equal(t, ActionKeep, resp.Files[2].Action)
	assert.Equal(t, "ff", *resp.Files[2].Hash)
}

func TestUnknownAction(t *testing.T) {
	var f DownloadFile
	assert.Error(t, json.Unmarshal([]byte(`{"path":"/x","action":"MOVE"}`), &f))
}

func TestTitlesByID(t *testing.T) {
	var resp TitlesResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"1125899907040000": {"save": [{"path": "/a", "size": 1, "hash": "aa"}], "extdata": []}
	}`), &resp))

	byID, err := resp.ByID()
	require.NoError(t, err)
	info, ok := byID[1125899907040000]
	require.True(t, ok)
	assert.Equal(t, "aa", info.Save[0].HashValue())

	_, err = TitlesResponse{"zz": {}}.ByID()
	assert.Error(t, err)
}
