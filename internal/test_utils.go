package internal

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func ReadResponseBodyString(Body io.ReadCloser) string {
	defer Body.Close()

	body, err := io.ReadAll(Body)
	if err != nil {
		log.Fatalln(err)
	}

	return string(body)
}

func TransformBody(body any) *bytes.Reader {
	bodyBytes, err := json.Marshal(&body)
	if err != nil {
		log.Fatal(err)
	}

	return bytes.NewReader(bodyBytes)
}

// WriteFixture writes content to name below dir, creating parent
// directories, and returns the full path.
func WriteFixture(t testing.TB, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
