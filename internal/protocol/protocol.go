package protocol

import (
	"strconv"
)

// Transfer envelope tags. A transfer on the wire is
// StartTag(path) SizeTag(size) <size raw bytes> FinishTag.
const (
	StartTagPrefix = "<Hello. You must create the new file "
	SizeTagPrefix  = "<Size of file is "
	TagSuffix      = "/>"
	FinishTag      = "<Bye! You must close a file descriptor/>"
)

// Header limits
const (
	MaxPathLength = 4096
	maxSizeDigits = 20 // len("18446744073709551615")
)

// Hash algorithm types
type HashAlgorithm string

const (
	HashMD5     HashAlgorithm = "md5"
	HashSHA256  HashAlgorithm = "sha256"
	HashBLAKE2b HashAlgorithm = "blake2b"
)

// Size thresholds for hash algorithm selection
const (
	LargeFileSizeThreshold = 50 * 1024 * 1024 * 1024 // 50GB in bytes
)

// Header is the decoded StartTag and SizeTag pair
type Header struct {
	Path string
	Size uint64
}

// EncodeHeader returns the StartTag and SizeTag announcing a file
func EncodeHeader(path string, size uint64) []byte {
	return AppendHeader(nil, path, size)
}

// AppendHeader appends the StartTag and SizeTag to dst
func AppendHeader(dst []byte, path string, size uint64) []byte {
	dst = append(dst, StartTagPrefix...)
	dst = append(dst, path...)
	dst = append(dst, TagSuffix...)
	dst = append(dst, SizeTagPrefix...)
	dst = strconv.AppendUint(dst, size, 10)
	dst = append(dst, TagSuffix...)
	return dst
}

// Encode returns a complete envelope around payload. Used for small
// in-memory transfers and tests; files are streamed by the sender.
func Encode(path string, payload []byte) []byte {
	out := AppendHeader(make([]byte, 0, len(payload)+len(FinishTag)+128), path, uint64(len(payload)))
	out = append(out, payload...)
	return append(out, FinishTag...)
}
