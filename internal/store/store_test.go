package store

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) (*FileStore, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	dir := filepath.Join(t.TempDir(), "var", "lib", "csp-billing-adapter")
	return NewFileStore(dir, "cache.json", "csp-config.json", logrus.NewEntry(logger)), hook
}

// assertDocument compares documents by their JSON encoding so that numbers
// decoded as json.Number compare equal to Go ints and floats.
func assertDocument(t *testing.T, want, got Document) {
	t.Helper()
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	for _, name := range []Name{Cache, CSPConfig} {
		t.Run(string(name), func(t *testing.T) {
			t.Run("empty before first write", func(t *testing.T) {
				s := newStore(t)
				doc, err := s.Read(ctx, name)
				require.NoError(t, err)
				assert.Empty(t, doc)
				assert.NotNil(t, doc)
			})

			t.Run("replace then read returns the document", func(t *testing.T) {
				s := newStore(t)
				want := Document{
					"adapter_start_time": "2024-01-01T00:00:00+00:00",
					"usage_records":      []any{map[string]any{"managed_node_count": 4}},
					"nested":             map[string]any{"x": true, "y": nil},
					"big":                int64(9007199254740993),
				}
				_, err := s.Write(ctx, name, want, ModeReplace)
				require.NoError(t, err)

				got, err := s.Read(ctx, name)
				require.NoError(t, err)
				assertDocument(t, want, got)
				assert.Equal(t, json.Number("9007199254740993"), got["big"])
			})

			t.Run("merge precedence", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Write(ctx, name, Document{"a": 1, "b": 2}, ModeMerge)
				require.NoError(t, err)

				got, err := s.Read(ctx, name)
				require.NoError(t, err)
				assertDocument(t, Document{"a": 1, "b": 2}, got)

				merged, err := s.Write(ctx, name, Document{"a": 10, "c": 12}, ModeMerge)
				require.NoError(t, err)
				assertDocument(t, Document{"a": 10, "b": 2, "c": 12}, merged)

				got, err = s.Read(ctx, name)
				require.NoError(t, err)
				assertDocument(t, Document{"a": 10, "b": 2, "c": 12}, got)
			})

			t.Run("merge is shallow", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Write(ctx, name, Document{"n": map[string]any{"x": 1, "y": 2}}, ModeReplace)
				require.NoError(t, err)
				_, err = s.Write(ctx, name, Document{"n": map[string]any{"z": 3}}, ModeMerge)
				require.NoError(t, err)

				got, err := s.Read(ctx, name)
				require.NoError(t, err)
				assertDocument(t, Document{"n": map[string]any{"z": 3}}, got)
			})

			t.Run("replace drops previous keys", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Write(ctx, name, Document{"a": 1, "b": 2}, ModeMerge)
				require.NoError(t, err)
				_, err = s.Write(ctx, name, Document{"c": 3, "d": 4}, ModeReplace)
				require.NoError(t, err)

				got, err := s.Read(ctx, name)
				require.NoError(t, err)
				assertDocument(t, Document{"c": 3, "d": 4}, got)
			})

			t.Run("save replaces", func(t *testing.T) {
				s := newStore(t)
				require.NoError(t, s.Save(ctx, name, Document{"a": 1, "b": 2}))
				require.NoError(t, s.Save(ctx, name, Document{"c": 3, "d": 4}))

				got, err := s.Read(ctx, name)
				require.NoError(t, err)
				assertDocument(t, Document{"c": 3, "d": 4}, got)
			})

			t.Run("unencodable document is rejected", func(t *testing.T) {
				s := newStore(t)
				require.NoError(t, s.Save(ctx, name, Document{"a": 1}))

				_, err := s.Write(ctx, name, Document{"bad": math.Inf(1)}, ModeReplace)
				require.Error(t, err)

				got, err := s.Read(ctx, name)
				require.NoError(t, err)
				assertDocument(t, Document{"a": 1}, got)
			})

			t.Run("reads do not alias stored state", func(t *testing.T) {
				s := newStore(t)
				require.NoError(t, s.Save(ctx, name, Document{"a": 1}))

				got, err := s.Read(ctx, name)
				require.NoError(t, err)
				got["a"] = "mutated"

				again, err := s.Read(ctx, name)
				require.NoError(t, err)
				assertDocument(t, Document{"a": 1}, again)
			})
		})
	}

	t.Run("documents are independent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, Cache, Document{"next_bill_time": "soon"}))
		require.NoError(t, s.Save(ctx, CSPConfig, Document{"billing_api_access_ok": true}))

		cache, err := s.Read(ctx, Cache)
		require.NoError(t, err)
		assertDocument(t, Document{"next_bill_time": "soon"}, cache)

		csp, err := s.Read(ctx, CSPConfig)
		require.NoError(t, err)
		assertDocument(t, Document{"billing_api_access_ok": true}, csp)
	})

	t.Run("unknown document", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Read(ctx, Name("metering"))
		assert.ErrorIs(t, err, ErrUnknownDocument)

		_, err = s.Write(ctx, Name("metering"), Document{}, ModeMerge)
		assert.ErrorIs(t, err, ErrUnknownDocument)
	})

	t.Run("unsupported mode", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Write(ctx, Cache, Document{}, Mode(42))
		assert.Error(t, err)
	})
}

func TestFileStore_Contract(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		s, _ := newTestFileStore(t)
		return s
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, func(*testing.T) Store {
		return NewMemoryStore()
	})
}

func TestFileStore_ResolvePath(t *testing.T) {
	s, _ := newTestFileStore(t)

	_, err := os.Stat(s.BaseDir())
	require.True(t, os.IsNotExist(err), "base dir must not exist before the first call")

	path, err := s.ResolvePath(Cache)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.BaseDir(), "cache.json"), path)

	info, err := os.Stat(s.BaseDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	path, err = s.ResolvePath(CSPConfig)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.BaseDir(), "csp-config.json"), path)
}

func TestFileStore_ResolvePath_Errors(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	t.Run("base dir cannot be created", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

		s := NewFileStore(filepath.Join(blocker, "adapter"), "cache.json", "csp-config.json", logrus.NewEntry(logger))
		_, err := s.ResolvePath(Cache)
		assert.ErrorIs(t, err, ErrStorageUnavailable)

		_, err = s.Read(context.Background(), Cache)
		assert.ErrorIs(t, err, ErrStorageUnavailable)

		err = s.Save(context.Background(), Cache, Document{"a": 1})
		assert.ErrorIs(t, err, ErrStorageUnavailable)
	})

	t.Run("file name escaping the base dir", func(t *testing.T) {
		s := NewFileStore(t.TempDir(), "../cache.json", "csp-config.json", logrus.NewEntry(logger))
		_, err := s.ResolvePath(Cache)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrStorageUnavailable)
	})

	t.Run("unknown name", func(t *testing.T) {
		s := NewFileStore(t.TempDir(), "cache.json", "csp-config.json", logrus.NewEntry(logger))
		_, err := s.ResolvePath(Name("foo"))
		assert.ErrorIs(t, err, ErrUnknownDocument)
	})
}

func TestFileStore_Read_FailsOpen(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantWarn bool
	}{
		{name: "invalid json", content: "not valid json{", wantWarn: true},
		{name: "empty file", content: "", wantWarn: true},
		{name: "top-level array", content: `[1, 2, 3]`, wantWarn: true},
		{name: "trailing garbage", content: `{"a": 1} {"b": 2}`, wantWarn: true},
		{name: "json null", content: `null`, wantWarn: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, hook := newTestFileStore(t)
			path, err := s.ResolvePath(Cache)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			doc, err := s.Read(context.Background(), Cache)
			require.NoError(t, err)
			assert.Equal(t, Document{}, doc)

			var warned bool
			for _, e := range hook.AllEntries() {
				if e.Level == logrus.WarnLevel {
					warned = true
				}
			}
			assert.Equal(t, tt.wantWarn, warned)
		})
	}
}

func TestFileStore_MergeOverCorruptDocument(t *testing.T) {
	s, _ := newTestFileStore(t)
	path, err := s.ResolvePath(CSPConfig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("not valid json{"), 0o644))

	_, err = s.Write(context.Background(), CSPConfig, Document{"expire": "2024-02-01"}, ModeMerge)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"expire": "2024-02-01"}`, string(data))
}

func TestFileStore_ExistingFixture(t *testing.T) {
	s, _ := newTestFileStore(t)
	path, err := s.ResolvePath(Cache)
	require.NoError(t, err)
	fixture := `{
		"adapter_start_time": "2023-03-22T18:43:31.547633+00:00",
		"next_bill_time": "2023-04-22T18:43:31.547633+00:00",
		"next_reporting_time": "2023-03-22T19:43:31.547633+00:00",
		"usage_records": [],
		"last_bill": {}
	}`
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))

	doc, err := s.Read(context.Background(), Cache)
	require.NoError(t, err)
	assert.Equal(t, "2023-03-22T18:43:31.547633+00:00", doc["adapter_start_time"])
	assert.NotEmpty(t, doc["next_bill_time"])
	assert.NotEmpty(t, doc["next_reporting_time"])
	assert.Len(t, doc, 5)
}

func TestMerge(t *testing.T) {
	base := Document{"a": 1, "b": 2}
	overlay := Document{"a": 10, "c": 12}

	got := Merge(base, overlay)

	assert.Equal(t, Document{"a": 10, "b": 2, "c": 12}, got)
	assert.Equal(t, Document{"a": 1, "b": 2}, base, "inputs are not modified")
	assert.Equal(t, Document{"a": 10, "c": 12}, overlay)
	assert.Equal(t, Document{}, Merge(nil, nil))
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "merge", ModeMerge.String())
	assert.Equal(t, "replace", ModeReplace.String())
	assert.Equal(t, "unknown", Mode(7).String())
}
