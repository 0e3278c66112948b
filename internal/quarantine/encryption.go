package quarantine

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/sentinel-av/sentinel/internal/errors"
)

const (
	masterKeySize = 32 // AES-256
	hkdfInfo      = "sentinel-quarantine-blob:"
)

// loadMasterKey reads the hex encoded vault key, generating it if missing.
func loadMasterKey(keyPath string) ([]byte, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, keyError(err, keyPath, "failed to read vault key")
		}

		key := make([]byte, masterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, keyError(err, keyPath, "failed to generate vault key")
		}
		if err := os.MkdirAll(filepath.Dir(keyPath), dirPerm); err != nil {
			return nil, keyError(err, keyPath, "failed to create key directory")
		}
		// O_EXCL so two agents racing on first start cannot both win.
		f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if err != nil {
			if os.IsExist(err) {
				return loadMasterKey(keyPath)
			}
			return nil, keyError(err, keyPath, "failed to write vault key")
		}
		_, werr := f.WriteString(hex.EncodeToString(key))
		serr := f.Sync()
		cerr := f.Close()
		if err := errors.Join(werr, serr, cerr); err != nil {
			return nil, keyError(err, keyPath, "failed to write vault key")
		}
		return key, nil
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(keyBytes)))
	if err != nil {
		return nil, keyError(err, keyPath, "failed to decode vault key")
	}
	if len(key) != masterKeySize {
		return nil, keyError(fmt.Errorf("got %d bytes, want %d", len(key), masterKeySize), keyPath, "invalid vault key length")
	}
	return key, nil
}

func keyError(err error, path, msg string) error {
	return errors.New(fmt.Errorf("%s: %w", msg, err)).
		Component("quarantine").
		Category(errors.CategoryConfiguration).
		Context("key_file", path).
		Build()
}

// blobKey derives the per-record key so no two blobs share a key.
func blobKey(master []byte, id string) ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo+id)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(master []byte, id string) (cipher.AEAD, error) {
	key, err := blobKey(master, id)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Blobs are streamed in fixed-size segments so neither isolate nor restore
// holds a whole file in memory. Layout:
//
//	magic(4) | segment size(4, big endian) | nonce prefix(7) | segment...
//
// Each segment is the GCM seal of up to segment size plaintext bytes. The
// nonce is the prefix, the segment counter and a final flag, so segments
// cannot be reordered, dropped or appended. The record id is the associated
// data, binding a blob to its record. An empty file is one empty final
// segment.
const (
	blobMagic       = "SQB1"
	segmentSize     = 64 * 1024
	maxSegmentSize  = 16 << 20
	noncePrefixSize = 7
	blobHeaderSize  = len(blobMagic) + 4 + noncePrefixSize
)

// sealedSize is the blob size for n plaintext bytes.
func sealedSize(n int64) int64 {
	segments := max((n+segmentSize-1)/segmentSize, 1)
	return int64(blobHeaderSize) + n + segments*16
}

func segmentNonce(nonce []byte, counter uint32, final bool) {
	binary.BigEndian.PutUint32(nonce[noncePrefixSize:], counter)
	nonce[len(nonce)-1] = 0
	if final {
		nonce[len(nonce)-1] = 1
	}
}

// readSegment fills buf from r and reports whether it was the last segment.
func readSegment(r *bufio.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(r, buf)
	switch {
	case err == io.EOF, err == io.ErrUnexpectedEOF:
		return n, true, nil
	case err != nil:
		return n, false, err
	}
	if _, err := r.Peek(1); err == io.EOF {
		return n, true, nil
	} else if err != nil {
		return n, false, err
	}
	return n, false, nil
}

// sealStream encrypts src into dst and returns the plaintext digest and
// length.
func sealStream(master []byte, id string, dst io.Writer, src io.Reader) ([sha256.Size]byte, int64, error) {
	var sum [sha256.Size]byte
	gcm, err := newGCM(master, id)
	if err != nil {
		return sum, 0, err
	}

	header := make([]byte, blobHeaderSize)
	copy(header, blobMagic)
	binary.BigEndian.PutUint32(header[len(blobMagic):], segmentSize)
	if _, err := rand.Read(header[len(blobMagic)+4:]); err != nil {
		return sum, 0, err
	}
	if _, err := dst.Write(header); err != nil {
		return sum, 0, err
	}

	nonce := make([]byte, gcm.NonceSize())
	copy(nonce, header[len(blobMagic)+4:])
	h := sha256.New()
	r := bufio.NewReaderSize(src, segmentSize)
	buf := make([]byte, segmentSize)
	out := make([]byte, 0, segmentSize+gcm.Overhead())
	var total int64
	for counter := uint32(0); ; counter++ {
		n, final, err := readSegment(r, buf)
		if err != nil {
			return sum, total, err
		}
		if !final && counter == math.MaxUint32 {
			return sum, total, fmt.Errorf("file exceeds %d segments", uint64(math.MaxUint32))
		}
		h.Write(buf[:n])
		total += int64(n)

		segmentNonce(nonce, counter, final)
		out = gcm.Seal(out[:0], nonce, buf[:n], []byte(id))
		if _, err := dst.Write(out); err != nil {
			return sum, total, err
		}
		if final {
			break
		}
	}
	copy(sum[:], h.Sum(nil))
	return sum, total, nil
}

// openStream decrypts a blob written by sealStream into dst. Output written
// before an authentication failure must be discarded by the caller.
func openStream(master []byte, id string, dst io.Writer, src io.Reader) ([sha256.Size]byte, int64, error) {
	var sum [sha256.Size]byte
	gcm, err := newGCM(master, id)
	if err != nil {
		return sum, 0, err
	}

	header := make([]byte, blobHeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return sum, 0, fmt.Errorf("%w: blob too short", ErrCorruptBlob)
		}
		return sum, 0, err
	}
	if string(header[:len(blobMagic)]) != blobMagic {
		return sum, 0, fmt.Errorf("%w: unknown blob format", ErrCorruptBlob)
	}
	size := int(binary.BigEndian.Uint32(header[len(blobMagic):]))
	if size <= 0 || size > maxSegmentSize {
		return sum, 0, fmt.Errorf("%w: segment size %d", ErrCorruptBlob, size)
	}

	nonce := make([]byte, gcm.NonceSize())
	copy(nonce, header[len(blobMagic)+4:])
	h := sha256.New()
	r := bufio.NewReaderSize(src, size+gcm.Overhead())
	buf := make([]byte, size+gcm.Overhead())
	var total int64
	for counter := uint32(0); ; counter++ {
		n, final, err := readSegment(r, buf)
		if err != nil {
			return sum, total, err
		}
		if n < gcm.Overhead() {
			return sum, total, fmt.Errorf("%w: truncated segment %d", ErrCorruptBlob, counter)
		}

		segmentNonce(nonce, counter, final)
		plain, err := gcm.Open(buf[:0], nonce, buf[:n], []byte(id))
		if err != nil {
			return sum, total, fmt.Errorf("%w: segment %d: %v", ErrCorruptBlob, counter, err)
		}
		h.Write(plain)
		total += int64(len(plain))
		if _, err := dst.Write(plain); err != nil {
			return sum, total, err
		}
		if final {
			break
		}
		if counter == math.MaxUint32 {
			return sum, total, fmt.Errorf("%w: too many segments", ErrCorruptBlob)
		}
	}
	copy(sum[:], h.Sum(nil))
	return sum, total, nil
}

// hashFile streams path through SHA-256.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
