package file

import (
	"bufio"
	"compress/gzip"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/sdk"
	"github.com/stretchr/testify/assert"
)

func TestFile(t *testing.T) {
	assert := assert.New(t)
	dir, _ := ioutil.TempDir("", "pipe")
	defer os.RemoveAll(dir)
	sink, err := New(log.NewNoOpTestLogger(), filepath.Join(dir, "out"), "a1")
	assert.NoError(err)
	batch := &sdk.Batch{Records: []sdk.Record{
		sdk.RecordFromFields(sdk.Field{Name: "id", Value: sdk.Int(1)}),
		sdk.RecordFromFields(sdk.Field{Name: "id", Value: sdk.Int(2)}),
	}}
	ctx := context.Background()
	assert.NoError(sink.Deliver(ctx, batch))
	assert.NoError(sink.Deliver(ctx, &sdk.Batch{}))
	assert.NoError(sink.Deliver(ctx, batch))
	files, _ := filepath.Glob(filepath.Join(dir, "out", "*.json.gz"))
	assert.Len(files, 2)
	of, err := os.Open(filepath.Join(dir, "out", "batch-00001.json.gz"))
	assert.NoError(err)
	defer of.Close()
	gz, err := gzip.NewReader(of)
	assert.NoError(err)
	scanner := bufio.NewScanner(gz)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Equal([]string{`{"agent_name":"a1","id":1}`, `{"agent_name":"a1","id":2}`}, lines)
}
