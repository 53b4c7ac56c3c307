package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaincopier/internal/errors"
)

func TestEnsureDirectoryExists(t *testing.T) {
	testDir := filepath.Join(t.TempDir(), "chaincopier_test_dir")

	// Test creating new directory
	err := EnsureDirectoryExists(testDir)
	assert.NoError(t, err)

	// Verify directory exists
	info, err := os.Stat(testDir)
	assert.NoError(t, err)
	assert.True(t, info.IsDir())

	// Test with existing directory
	err = EnsureDirectoryExists(testDir)
	assert.NoError(t, err)
}

func TestGetFileInfo(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "chaincopier_test_*.txt")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	content := "test content for file info"
	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	tmpFile.Close()

	info, err := GetFileInfo(tmpFile.Name())
	assert.NoError(t, err)
	assert.False(t, info.IsDir)
	assert.Equal(t, int64(len(content)), info.Size)
	assert.NotZero(t, info.Modified)

	// Test with non-existent file
	_, err = GetFileInfo("non_existent_file.txt")
	assert.ErrorIs(t, err, errors.ErrFileSystem)
}

func TestValidateFilePath(t *testing.T) {
	// Test valid paths
	assert.NoError(t, ValidateFilePath("test.txt"))
	assert.NoError(t, ValidateFilePath("dir/test.txt"))

	// These should still contain ".." after filepath.Clean()
	assert.Error(t, ValidateFilePath("../test.txt"))
	assert.Error(t, ValidateFilePath("dir/../../test.txt"))
	assert.Error(t, ValidateFilePath(""))
}

func TestReceivedFileName(t *testing.T) {
	tests := []struct {
		announced string
		expected  string
		wantErr   bool
	}{
		{"report.pdf", "report.pdf", false},
		{"/home/user/data/report.pdf", "report.pdf", false},
		{`C:\Users\user\report.pdf`, "report.pdf", false},
		{"../../etc/passwd", "passwd", false},
		{"dir/", "", true},
		{"..", "", true},
		{"a/..", "", true},
		{"", "", true},
	}

	for _, test := range tests {
		name, err := ReceivedFileName(test.announced)
		if test.wantErr {
			assert.ErrorIs(t, err, errors.ErrValidation, "Announced: %q", test.announced)
			continue
		}
		require.NoError(t, err, "Announced: %q", test.announced)
		assert.Equal(t, test.expected, name)
	}
}

func TestCreateReceiveFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	file, err := CreateReceiveFile(dir, "/remote/path/big.bin", 4096)
	require.NoError(t, err)
	defer file.Close()

	assert.Equal(t, filepath.Join(dir, "big.bin"), file.Name())

	stat, err := file.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), stat.Size())

	// Writes start at the beginning of the reserved space
	_, err = file.Write([]byte("abc"))
	require.NoError(t, err)
	head := make([]byte, 3)
	_, err = file.ReadAt(head, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), head)
}

func TestPreallocateFile(t *testing.T) {
	file, err := os.Create(filepath.Join(t.TempDir(), "prealloc"))
	require.NoError(t, err)
	defer file.Close()

	require.NoError(t, PreallocateFile(file, 1<<20))

	stat, err := file.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), stat.Size())
}
