package testutils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	mp4Magic  = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'i', 's', 'o', '2'}
)

func BackupAndRestoreEnv(k string) func() {
	origValue := os.Getenv(k)
	return func() {
		if origValue == "" {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, origValue)
		}
	}
}

// FakeJpeg returns bytes that sniff as image/jpeg. Different seeds produce different content.
func FakeJpeg(seed string) []byte {
	return append(append([]byte{}, jpegMagic...), []byte("pixisync-test-image:"+seed)...)
}

func FakePng(seed string) []byte {
	return append(append([]byte{}, pngMagic...), []byte("pixisync-test-png:"+seed)...)
}

func FakeMp4(seed string) []byte {
	return append(append([]byte{}, mp4Magic...), []byte("pixisync-test-video:"+seed)...)
}

// WriteMedia writes content under root at the given relative path and sets its mtime.
func WriteMedia(t testing.TB, root, relPath string, content []byte, mtime time.Time) string {
	p := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, content, 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}
	return p
}

// MakeLibrary creates n distinct jpegs named IMG_0000.jpg.. in a fresh temp dir.
func MakeLibrary(t testing.TB, n int, mtime time.Time) string {
	root := t.TempDir()
	for i := 0; i < n; i++ {
		WriteMedia(t, root, fmt.Sprintf("DCIM/IMG_%04d.jpg", i), FakeJpeg(fmt.Sprintf("%d", i)), mtime)
	}
	return root
}

func RandomId() string {
	return uuid.Must(uuid.NewRandom()).String()
}

// QuietLogger discards everything. Tests that assert on logs should use logrus/hooks/test instead.
func QuietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
