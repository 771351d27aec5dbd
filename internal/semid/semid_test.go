package semid_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/semid"
)

func TestGenerateBasic(t *testing.T) {
	t.Parallel()
	g := semid.NewGenerator()
	id := g.Generate("util.js", "add", domain.POIFunction)
	assert.Equal(t, "util_func_add", id)
}

func TestGenerateShapes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		poi  string
		kind domain.POIKind
		want string
	}{
		{"abbreviated index", "src/index.ts", "bootstrap", domain.POIFunction, "idx_func_bootstrap"},
		{"abbreviated config", "config.yaml", "DB_HOST", domain.POIConstant, "cfg_const_db_host"},
		{"camel case split", "server.go", "handleRequest", domain.POIMethod, "srv_method_handle_request"},
		{"acronym run", "client.go", "HTTPServer", domain.POIClass, "cli_class_http_server"},
		{"long prefix truncated", "authentication.py", "login", domain.POIFunction, "authenti_func_login"},
		{"long name truncated", "a.js", "aVeryLongFunctionNameIndeedTruly", domain.POIFunction, "a_func_a_very_long_function"},
		{"digits kept in name", "mod.js", "parseV2", domain.POIFunction, "mod_func_parse_v2"},
		{"separators collapsed", "mod.js", "__private--name", domain.POIVariable, "mod_var_private_name"},
		{"empty name fallback", "mod.js", "***", domain.POIVariable, "mod_var_anon"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := semid.NewGenerator()
			assert.Equal(t, tc.want, g.Generate(tc.file, tc.poi, tc.kind))
		})
	}
}

func TestGenerateCollisionOrdinals(t *testing.T) {
	t.Parallel()
	g := semid.NewGenerator()
	require.Equal(t, "util_func_add", g.Generate("util.js", "add", domain.POIFunction))
	require.Equal(t, "util_func_add_2", g.Generate("util.js", "add", domain.POIFunction))
	require.Equal(t, "util_func_add_3", g.Generate("util.js", "add", domain.POIFunction))

	// Same normalized form from a different raw name collides too.
	require.Equal(t, "util_func_add_4", g.Generate("util.js", "Add", domain.POIFunction))
}

func TestGenerateLowestUnusedOrdinal(t *testing.T) {
	t.Parallel()
	g := semid.NewGenerator()
	g.ImportExisting([]string{"util_func_add", "util_func_add_3"})

	// 2 is free, so it is used before 4.
	assert.Equal(t, "util_func_add_2", g.Generate("util.js", "add", domain.POIFunction))
	assert.Equal(t, "util_func_add_4", g.Generate("util.js", "add", domain.POIFunction))
}

func TestImportExistingBlocksReissue(t *testing.T) {
	t.Parallel()
	g := semid.NewGenerator()
	g.ImportExisting([]string{"util_func_add"})
	assert.True(t, g.Used("util_func_add"))
	assert.Equal(t, "util_func_add_2", g.Generate("util.js", "add", domain.POIFunction))
}

func TestGenerateConcurrentUnique(t *testing.T) {
	t.Parallel()
	g := semid.NewGenerator()
	const n = 64
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = g.Generate("util.js", "add", domain.POIFunction)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		id      string
		want    semid.Parts
		wantErr bool
	}{
		{
			name: "plain",
			id:   "util_func_add",
			want: semid.Parts{FilePrefix: "util", KindTag: "func", Kind: domain.POIFunction, Name: "add"},
		},
		{
			name: "with ordinal",
			id:   "util_func_add_3",
			want: semid.Parts{FilePrefix: "util", KindTag: "func", Kind: domain.POIFunction, Name: "add", Ordinal: 3},
		},
		{
			name: "multi segment name",
			id:   "srv_method_handle_request",
			want: semid.Parts{FilePrefix: "srv", KindTag: "method", Kind: domain.POIMethod, Name: "handle_request"},
		},
		{
			name: "numeric tail is the whole name",
			id:   "mod_const_404",
			want: semid.Parts{FilePrefix: "mod", KindTag: "const", Kind: domain.POIConstant, Name: "404"},
		},
		{name: "too few segments", id: "util_func", wantErr: true},
		{name: "unknown kind tag", id: "util_widget_add", wantErr: true},
		{name: "empty", id: "", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := semid.Parse(tc.id)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	g := semid.NewGenerator()
	for i := 0; i < 4; i++ {
		id := g.Generate("server.go", "handleRequest", domain.POIMethod)
		p, err := semid.Parse(id)
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, "srv", p.FilePrefix, "iteration %d", i)
		assert.Equal(t, domain.POIMethod, p.Kind, "iteration %d", i)
		assert.Equal(t, "handle_request", p.Name, "iteration %d", i)
		if i == 0 {
			assert.Zero(t, p.Ordinal)
		} else {
			assert.Equal(t, i+1, p.Ordinal, "iteration %d", i)
		}
	}
}

func TestKindTagFallback(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "poi", semid.KindTag(domain.POIKind("gremlin")))
	assert.Equal(t, "func", semid.KindTag(domain.POIFunction))
}

func ExampleGenerator_Generate() {
	g := semid.NewGenerator()
	fmt.Println(g.Generate("util.js", "add", domain.POIFunction))
	fmt.Println(g.Generate("util.js", "add", domain.POIFunction))
	// Output:
	// util_func_add
	// util_func_add_2
}
