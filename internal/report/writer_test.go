package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterEmitsOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, slogt.New(t))

	require.NoError(t, w.WriteTick(Tick{RunID: "r1", Kind: KindPurchase, Index: 0, Nonce: 7, ValueWei: "1", Outcome: OutcomeAccepted, At: time.Unix(0, 0).UTC()}))
	require.NoError(t, w.WriteSummary(Summary{RunID: "r1", State: "success", Planned: 3, Dispatched: 1}))

	sc := bufio.NewScanner(&buf)
	var types []string
	for sc.Scan() {
		var r record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		types = append(types, r.Type)
		switch r.Type {
		case "tick":
			require.NotNil(t, r.Tick)
			assert.Equal(t, uint64(7), r.Tick.Nonce)
		case "summary":
			require.NotNil(t, r.Summary)
			assert.Equal(t, "success", r.Summary.State)
		}
	}
	assert.Equal(t, []string{"tick", "summary"}, types)
}

func TestOpenAppendsAndKeepsLastSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "runs.jsonl")
	last := filepath.Join(dir, "out", "last.json")

	for _, id := range []string{"a", "b"} {
		w, err := Open(path, last, slogt.New(t))
		require.NoError(t, err)
		require.NoError(t, w.WriteSummary(Summary{RunID: id, State: "exhausted"}))
		require.NoError(t, w.Close())
	}

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(b, []byte("\n")))

	got, err := NewSummaryStore(last).Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.RunID)
}

func TestSummaryStoreLoadMissing(t *testing.T) {
	got, err := NewSummaryStore(filepath.Join(t.TempDir(), "none.json")).Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}
