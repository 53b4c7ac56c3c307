package filesystem

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"chaincopier/internal/config"
	"chaincopier/internal/errors"
	"chaincopier/internal/protocol"
)

// SelectHashAlgorithm picks the digest for a file of the given size.
// MD5 is fastest; BLAKE2b takes over for very large files.
func SelectHashAlgorithm(fileSize int64) protocol.HashAlgorithm {
	if fileSize >= protocol.LargeFileSizeThreshold {
		return protocol.HashBLAKE2b
	}
	return protocol.HashMD5
}

// CalculateFileHash calculates MD5 hash of a file
func CalculateFileHash(file *os.File) (string, error) {
	return CalculateFileHashWithAlgorithm(file, protocol.HashMD5)
}

// CalculateFileHashWithAlgorithm hashes the whole file from its start
func CalculateFileHashWithAlgorithm(file *os.File, algorithm protocol.HashAlgorithm) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	// Reset file position
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", errors.NewFileSystemError("seek", file.Name(), err)
	}

	buffer := make([]byte, config.HashBufferSize)
	if _, err := io.CopyBuffer(h, file, buffer); err != nil {
		return "", errors.NewFileSystemError("read_hash", file.Name(), err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile opens path and digests it with the algorithm matching its size
func HashFile(path string) (string, protocol.HashAlgorithm, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", errors.NewFileSystemError("open", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", "", errors.NewFileSystemError("stat", path, err)
	}

	algorithm := SelectHashAlgorithm(stat.Size())
	sum, err := CalculateFileHashWithAlgorithm(file, algorithm)
	return sum, algorithm, err
}

func newHash(algorithm protocol.HashAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case protocol.HashMD5:
		return md5.New(), nil
	case protocol.HashSHA256:
		return sha256.New(), nil
	case protocol.HashBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, errors.NewValidationError("hash_algorithm", algorithm,
			fmt.Sprintf("unsupported hash algorithm %q", algorithm))
	}
}
